package raft

import (
	"fmt"
	"strconv"
	"time"

	"go_raft_agency/raft/common"

	"google.golang.org/protobuf/encoding/protowire"
)

// 持久化文档的字段编号
const (
	logFieldTerm        protowire.Number = 1
	logFieldRequest     protowire.Number = 2
	logFieldClientId    protowire.Number = 3
	logFieldTimestamp   protowire.Number = 4
	logFieldEpochMillis protowire.Number = 5

	compactFieldReadDB  protowire.Number = 1
	compactFieldTerm    protowire.Number = 2
	compactFieldVersion protowire.Number = 3

	electionFieldTerm     protowire.Number = 1
	electionFieldVotedFor protowire.Number = 2

	configurationFieldCfg protowire.Number = 1
)

const configurationKey = "0"

// indexKey 补零到20位，字符串顺序和数值顺序一致
func indexKey(i common.Index) string {
	return fmt.Sprintf("%020d", uint64(i))
}

func termKey(t common.Term) string {
	return fmt.Sprintf("%020d", uint64(t))
}

func parseIndexKey(key string) (common.Index, error) {
	v, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad key %q: %w", key, err)
	}
	return common.Index(v), nil
}

func encodeLogDocument(e common.LogEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, logFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Term))
	b = protowire.AppendTag(b, logFieldRequest, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Entry)
	b = protowire.AppendTag(b, logFieldClientId, protowire.BytesType)
	b = protowire.AppendString(b, e.ClientId)
	b = protowire.AppendTag(b, logFieldTimestamp, protowire.BytesType)
	b = protowire.AppendString(b, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano))
	b = protowire.AppendTag(b, logFieldEpochMillis, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp))
	return b
}

func decodeLogDocument(key string, doc []byte) (common.LogEntry, error) {
	index, err := parseIndexKey(key)
	if err != nil {
		return common.LogEntry{}, err
	}
	e := common.LogEntry{Index: index}
	err = consumeFields(doc, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == logFieldTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Term = common.Term(v)
			return n, nil
		case num == logFieldRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if len(v) > 0 {
				e.Entry = append([]byte(nil), v...)
			}
			return n, nil
		case num == logFieldClientId && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.ClientId = v
			return n, nil
		case num == logFieldEpochMillis && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Timestamp = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return common.LogEntry{}, fmt.Errorf("log document %s: %w", key, err)
	}
	return e, nil
}

func encodeCompactDocument(s common.Snapshot) []byte {
	var b []byte
	b = protowire.AppendTag(b, compactFieldReadDB, protowire.BytesType)
	b = protowire.AppendBytes(b, s.State)
	b = protowire.AppendTag(b, compactFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Term))
	b = protowire.AppendTag(b, compactFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Version)
	return b
}

func decodeCompactDocument(key string, doc []byte) (common.Snapshot, error) {
	index, err := parseIndexKey(key)
	if err != nil {
		return common.Snapshot{}, err
	}
	s := common.Snapshot{Index: index}
	err = consumeFields(doc, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == compactFieldReadDB && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.State = append([]byte(nil), v...)
			return n, nil
		case num == compactFieldTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Term = common.Term(v)
			return n, nil
		case num == compactFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.Version = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return common.Snapshot{}, fmt.Errorf("compact document %s: %w", key, err)
	}
	return s, nil
}

func encodeElectionDocument(st common.ElectionState) []byte {
	var b []byte
	b = protowire.AppendTag(b, electionFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(st.Term))
	b = protowire.AppendTag(b, electionFieldVotedFor, protowire.BytesType)
	b = protowire.AppendString(b, st.VotedFor)
	return b
}

func decodeElectionDocument(doc []byte) (common.ElectionState, error) {
	var st common.ElectionState
	err := consumeFields(doc, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == electionFieldTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			st.Term = common.Term(v)
			return n, nil
		case num == electionFieldVotedFor && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			st.VotedFor = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return st, err
}

func encodeConfigurationDocument(cfg []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, configurationFieldCfg, protowire.BytesType)
	b = protowire.AppendBytes(b, cfg)
	return b
}

func decodeConfigurationDocument(doc []byte) ([]byte, error) {
	var cfg []byte
	err := consumeFields(doc, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == configurationFieldCfg && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			cfg = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return cfg, err
}

// consumeFields 逐个字段回调，field 返回消费的字节数（负数表示解析错误）
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
