package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewRequestTable(t *testing.T) {
	req := NewRequest("r1", Target{Kind: ResourceTable, Account: "eosio", Scope: "alice", Name: "delband"}, 100)
	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"get_table_rows","req_id":"r1","listen":true,"start_block":100,
		"data":{"code":"eosio","scope":"alice","table_name":"delband","json":true}}`, string(b))
}

func TestNewRequestActionLive(t *testing.T) {
	req := NewRequest("r2", Target{Kind: ResourceAction, Account: "eosforumrcpp", Name: "unvote"}, 0)
	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"get_action_traces","req_id":"r2","listen":true,
		"data":{"accounts":"eosforumrcpp","action_names":"unvote"}}`, string(b))
}

func TestTargetString(t *testing.T) {
	require.Equal(t, "eosio:alice:delband", Target{Kind: ResourceTable, Account: "eosio", Scope: "alice", Name: "delband"}.String())
	require.Equal(t, "eosforumrcpp::unvote", Target{Kind: ResourceAction, Account: "eosforumrcpp", Name: "unvote"}.String())
}

func TestDecodeTableDelta(t *testing.T) {
	frame := `{"type":"table_delta","req_id":"r1","data":{"block_num":50,"step":"new",
		"dbop":{"op":"ins","account":"eosforumrcpp","table":"vote","scope":"eosforumrcpp","key":"1",
		"new":{"payer":"alice","json":{"id":1,"voter":"alice","proposal_name":"prop1","vote":1}}}}}`
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)

	d, ok := msg.(TableDelta)
	require.True(t, ok)
	require.Equal(t, "r1", d.RequestID())
	require.Equal(t, uint64(50), d.BlockNum)
	require.Equal(t, OpInsert, d.Op)
	require.Equal(t, StepNew, d.Step)
	require.JSONEq(t, `{"id":1,"voter":"alice","proposal_name":"prop1","vote":1}`, string(d.Row()))
}

func TestDecodeRemovalUsesOldRow(t *testing.T) {
	frame := `{"type":"table_delta","req_id":"r1","data":{"block_num":51,
		"dbop":{"op":"rem","old":{"json":{"voter":"alice","proposal_name":"prop1"}}}}}`
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	d := msg.(TableDelta)
	require.Equal(t, StepNew, d.Step)
	require.JSONEq(t, `{"voter":"alice","proposal_name":"prop1"}`, string(d.Row()))
}

func TestDecodeActionTrace(t *testing.T) {
	frame := `{"type":"action_trace","req_id":"u1","data":{"block_num":80,"trx_id":"abc",
		"trace":{"act":{"account":"eosforumrcpp","name":"unvote","data":{"voter":"alice","proposal_name":"prop1"}}}}}`
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	a := msg.(ActionTrace)
	require.Equal(t, uint64(80), a.BlockNum)
	require.Equal(t, "unvote", a.Name)
	require.JSONEq(t, `{"voter":"alice","proposal_name":"prop1"}`, string(a.Data))
}

func TestDecodeErrorAndOther(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"error","req_id":"r9","data":{"code":"invalid_request","message":"bad scope"}}`))
	require.NoError(t, err)
	e := msg.(Error)
	require.Equal(t, "r9", e.ReqID)
	require.Contains(t, e.Error(), "bad scope")

	msg, err = Decode([]byte(`{"type":"listening","req_id":"r1","data":{"next_block":101}}`))
	require.NoError(t, err)
	require.Equal(t, Listening{ReqID: "r1", NextBlock: 101}, msg)

	msg, err = Decode([]byte(`{"type":"ping","data":"2018-09-01T00:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, Other{Type: "ping"}, msg)
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{"req_id":"r1"}`,
		`{"type":"table_delta","req_id":"r1","data":{"block_num":"x"}}`,
		`{"type":"table_delta","req_id":"r1","data":{"block_num":5,"dbop":{"op":"ins"}}}`,
	} {
		_, err := Decode([]byte(frame))
		require.ErrorIs(t, err, ErrProtocol, frame)
	}
}

func TestWSDialer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	gotToken := make(chan string, 1)
	gotOrigin := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		gotOrigin <- r.Header.Get("Origin")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"listening","req_id":"`+req.ReqID+`","data":{"next_block":7}}`))
	}))
	defer srv.Close()

	d := WSDialer{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:            "secret",
		Origin:           "https://example.org",
		HandshakeTimeout: time.Second,
	}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "secret", <-gotToken)
	require.Equal(t, "https://example.org", <-gotOrigin)

	require.NoError(t, conn.WriteJSON(NewRequest("abc", Target{Kind: ResourceTable, Account: "eosio", Scope: "eosio", Name: "voters"}, 1)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, Listening{ReqID: "abc", NextBlock: 7}, msg)
}
