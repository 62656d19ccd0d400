package rpc

import (
	"go_raft_agency/raft/common"

	"google.golang.org/protobuf/encoding/protowire"
)

// wireMessage 可以被 agencywire 编解码器处理的消息
type wireMessage interface {
	marshal() []byte
	unmarshal(b []byte) error
}

type RequestVoteReq struct {
	Term         common.Term
	CandidateId  string
	PrevLogIndex common.Index
	PrevLogTerm  common.Term
}

type RequestVoteResp struct {
	Term        common.Term
	VoteGranted bool
}

// AppendEntriesReq 心跳时 Entries 为空；follower 落后于leader保留窗口时带 Snapshot
type AppendEntriesReq struct {
	Term         common.Term
	LeaderId     string
	PrevLogIndex common.Index
	PrevLogTerm  common.Term
	LeaderCommit common.Index // 集群中已经被提交的最高索引
	Snapshot     *common.Snapshot
	Entries      []common.LogEntry
}

type AppendEntriesResp struct {
	Term      common.Term
	Success   bool
	LastIndex common.Index // follower 最后一条日志的索引
}

func (m *RequestVoteReq) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Term))
	b = appendString(b, 2, m.CandidateId)
	b = appendVarint(b, 3, uint64(m.PrevLogIndex))
	b = appendVarint(b, 4, uint64(m.PrevLogTerm))
	return b
}

func (m *RequestVoteReq) unmarshal(b []byte) error {
	*m = RequestVoteReq{}
	return consume(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Term = common.Term(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.CandidateId = v
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PrevLogIndex = common.Index(v)
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PrevLogTerm = common.Term(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *RequestVoteResp) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Term))
	b = appendVarint(b, 2, protowire.EncodeBool(m.VoteGranted))
	return b
}

func (m *RequestVoteResp) unmarshal(b []byte) error {
	*m = RequestVoteResp{}
	return consume(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Term = common.Term(v)
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.VoteGranted = protowire.DecodeBool(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *AppendEntriesReq) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Term))
	b = appendString(b, 2, m.LeaderId)
	b = appendVarint(b, 3, uint64(m.PrevLogIndex))
	b = appendVarint(b, 4, uint64(m.PrevLogTerm))
	b = appendVarint(b, 5, uint64(m.LeaderCommit))
	if m.Snapshot != nil {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSnapshot(*m.Snapshot))
	}
	for _, e := range m.Entries {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEntry(e))
	}
	return b
}

func (m *AppendEntriesReq) unmarshal(b []byte) error {
	*m = AppendEntriesReq{}
	var nested error
	err := consume(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Term = common.Term(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.LeaderId = v
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PrevLogIndex = common.Index(v)
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PrevLogTerm = common.Term(v)
			return n
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.LeaderCommit = common.Index(v)
			return n
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				snap, err := unmarshalSnapshot(v)
				if err != nil {
					nested = err
					return -1
				}
				m.Snapshot = &snap
			}
			return n
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				e, err := unmarshalEntry(v)
				if err != nil {
					nested = err
					return -1
				}
				m.Entries = append(m.Entries, e)
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if nested != nil {
		return nested
	}
	return err
}

func (m *AppendEntriesResp) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Term))
	b = appendVarint(b, 2, protowire.EncodeBool(m.Success))
	b = appendVarint(b, 3, uint64(m.LastIndex))
	return b
}

func (m *AppendEntriesResp) unmarshal(b []byte) error {
	*m = AppendEntriesResp{}
	return consume(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Term = common.Term(v)
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Success = protowire.DecodeBool(v)
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.LastIndex = common.Index(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func marshalEntry(e common.LogEntry) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(e.Index))
	b = appendVarint(b, 2, uint64(e.Term))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Entry)
	b = appendString(b, 4, e.ClientId)
	b = appendVarint(b, 5, uint64(e.Timestamp))
	return b
}

func unmarshalEntry(b []byte) (common.LogEntry, error) {
	var e common.LogEntry
	err := consume(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Index = common.Index(v)
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Term = common.Term(v)
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if len(v) > 0 {
				e.Entry = append([]byte(nil), v...)
			}
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.ClientId = v
			return n
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Timestamp = int64(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return e, err
}

func marshalSnapshot(s common.Snapshot) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(s.Index))
	b = appendVarint(b, 2, uint64(s.Term))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, s.State)
	b = appendVarint(b, 4, s.Version)
	return b
}

func unmarshalSnapshot(b []byte) (common.Snapshot, error) {
	var s common.Snapshot
	err := consume(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Index = common.Index(v)
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Term = common.Term(v)
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.State = append([]byte(nil), v...)
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Version = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return s, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// consume 逐个字段回调，field 返回消费的字节数，负数为解析错误
func consume(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := field(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
