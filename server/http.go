package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go_raft_agency/raft/common"
	"go_raft_agency/server/components/httptool"

	log "github.com/sirupsen/logrus"
)

const (
	Success = "success" // 成功
	Failed  = "failed"  // 失败
	Forward = "forward" // 不是leader，客户端需要转发到 leader
)

const (
	clientIdHeader  = "X-Agency-Client-Id"
	defaultWaitTime = 5 * time.Second
)

type Response struct {
	Status  string         `json:"status"`
	Leader  string         `json:"leader,omitempty"`
	Error   string         `json:"error,omitempty"`
	Indices []common.Index `json:"indices,omitempty"`
	Result  any            `json:"result,omitempty"`
}

type WriteTransaction struct {
	Payload  json.RawMessage `json:"payload"`
	ClientId string          `json:"clientId,omitempty"`
}

type logEntryView struct {
	Index     common.Index    `json:"index"`
	Term      common.Term     `json:"term"`
	ClientId  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Entry     json.RawMessage `json:"entry,omitempty"`
}

/*
* Handler 客户端 HTTP 接口
* POST /_api/agency/write     事务数组，?wait=true 时等待提交
* POST /_api/agency/transact  单条原始负载，clientId 放在请求头
* POST /_api/agency/inquire   clientId 数组，返回各自最近的写入索引
* GET  /_api/agency/read      ?key= / ?prefix= / ?suffix= / ?contains=
* GET  /_api/agency/config    当前配置与角色
* GET  /_api/agency/log       ?start=&end= 返回保留的日志
 */
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_api/agency/write", a.handleWrite)
	mux.HandleFunc("POST /_api/agency/transact", a.handleTransact)
	mux.HandleFunc("POST /_api/agency/inquire", a.handleInquire)
	mux.HandleFunc("GET /_api/agency/read", a.handleRead)
	mux.HandleFunc("GET /_api/agency/config", a.handleConfig)
	mux.HandleFunc("GET /_api/agency/log", a.handleLog)
	return mux
}

func (a *Agent) reply(w http.ResponseWriter, code int, resp Response) {
	if err := httptool.WriteJson(w, code, resp); err != nil {
		log.Warnf("写回响应失败: %v", err)
	}
}

func (a *Agent) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrNotLeader):
		a.reply(w, http.StatusTemporaryRedirect, Response{Status: Forward, Leader: a.LeaderID(), Error: err.Error()})
	case errors.Is(err, common.ErrMalformedRequest):
		a.reply(w, http.StatusBadRequest, Response{Status: Failed, Error: err.Error()})
	case errors.Is(err, common.ErrIndexNotRetained):
		a.reply(w, http.StatusGone, Response{Status: Failed, Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, common.ErrStopped):
		a.reply(w, http.StatusServiceUnavailable, Response{Status: Failed, Error: err.Error()})
	default:
		a.reply(w, http.StatusInternalServerError, Response{Status: Failed, Error: err.Error()})
	}
}

func (a *Agent) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := httptool.JsonBody[[]WriteTransaction](r)
	if err != nil {
		a.fail(w, errors.Join(common.ErrMalformedRequest, err))
		return
	}
	txs := make([]common.Transaction, len(body))
	for i, t := range body {
		txs[i] = common.Transaction{Payload: t.Payload, ClientId: t.ClientId}
	}
	a.write(w, r, txs)
}

func (a *Agent) handleTransact(w http.ResponseWriter, r *http.Request) {
	body, err := httptool.StringBody(r)
	if err != nil {
		a.fail(w, errors.Join(common.ErrMalformedRequest, err))
		return
	}
	tx := common.Transaction{Payload: []byte(body), ClientId: r.Header.Get(clientIdHeader)}
	a.write(w, r, []common.Transaction{tx})
}

func (a *Agent) write(w http.ResponseWriter, r *http.Request, txs []common.Transaction) {
	indices, err := a.Write(txs)
	if err != nil {
		a.fail(w, err)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		var highest common.Index
		for _, idx := range indices {
			if idx > highest {
				highest = idx
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultWaitTime)
		defer cancel()
		if err := a.WaitForCommit(ctx, highest); err != nil {
			a.fail(w, err)
			return
		}
	}
	code := http.StatusOK
	for _, idx := range indices {
		if idx == 0 {
			// 部分事务的前置条件不成立
			code = http.StatusPreconditionFailed
		}
	}
	a.reply(w, code, Response{Status: Success, Indices: indices})
}

func (a *Agent) handleInquire(w http.ResponseWriter, r *http.Request) {
	ids, err := httptool.JsonBody[[]string](r)
	if err != nil {
		a.fail(w, errors.Join(common.ErrMalformedRequest, err))
		return
	}
	a.reply(w, http.StatusOK, Response{Status: Success, Indices: a.Inquire(ids)})
}

func (a *Agent) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("key") {
		v, ok := a.Read(q.Get("key"))
		if !ok {
			a.reply(w, http.StatusNotFound, Response{Status: Failed, Error: "key not found"})
			return
		}
		a.reply(w, http.StatusOK, Response{Status: Success, Result: json.RawMessage(v)})
		return
	}
	for _, mode := range []MatchMode{MatchPrefix, MatchSuffix, MatchContains} {
		if q.Has(string(mode)) {
			a.reply(w, http.StatusOK, Response{Status: Success, Result: a.Match(mode, q.Get(string(mode)))})
			return
		}
	}
	a.fail(w, errors.Join(common.ErrMalformedRequest, errors.New("one of key, prefix, suffix, contains is required")))
}

func (a *Agent) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := a.Config()
	a.reply(w, http.StatusOK, Response{
		Status: Success,
		Leader: a.LeaderID(),
		Result: map[string]any{
			"id":            cfg.ID,
			"role":          a.constituent.Role().String(),
			"term":          a.constituent.Term(),
			"commitIndex":   a.CommitIndex(),
			"elections":     a.constituent.RecentElections(),
			"configuration": cfg.Document(),
		},
	})
}

func (a *Agent) handleLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseIndex(q.Get("start"), a.state.FirstIndex())
	if err != nil {
		a.fail(w, err)
		return
	}
	end, err := parseIndex(q.Get("end"), a.state.LastIndex())
	if err != nil {
		a.fail(w, err)
		return
	}
	entries, err := a.Entries(start, end)
	if err != nil {
		a.fail(w, err)
		return
	}
	views := make([]logEntryView, len(entries))
	for i, e := range entries {
		views[i] = logEntryView{Index: e.Index, Term: e.Term, ClientId: e.ClientId, Timestamp: e.Timestamp}
		if !e.Empty() && json.Valid(e.Entry) {
			views[i].Entry = e.Entry
		}
	}
	a.reply(w, http.StatusOK, Response{Status: Success, Result: views})
}

func parseIndex(s string, def common.Index) (common.Index, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Join(common.ErrMalformedRequest, err)
	}
	return common.Index(n), nil
}
