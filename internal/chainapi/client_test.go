package chainapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"proposal-tally/internal/ledger"
)

// fakeChain serves get_info and get_table_rows from in-memory tables keyed by
// code/scope/table. Rows are ordered by their "key" field.
type fakeChain struct {
	head   uint64
	tables map[string][]map[string]interface{}
}

func tableKey(code, scope, table string) string {
	return code + "/" + scope + "/" + table
}

func (f *fakeChain) add(code, scope, table string, row map[string]interface{}) {
	k := tableKey(code, scope, table)
	f.tables[k] = append(f.tables[k], row)
	sort.Slice(f.tables[k], func(i, j int) bool {
		return f.tables[k][i]["key"].(string) < f.tables[k][j]["key"].(string)
	})
}

func newFakeChain(t *testing.T, f *fakeChain) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chain/get_info":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"head_block_num": f.head})
		case "/v1/chain/get_table_rows":
			var req tableRowsReq
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rows := f.tables[tableKey(req.Code, req.Scope, req.Table)]
			var page []map[string]interface{}
			more, next := false, ""
			for _, row := range rows {
				if row["key"].(string) < req.LowerBound {
					continue
				}
				if len(page) == req.Limit {
					more, next = true, row["key"].(string)
					break
				}
				page = append(page, row)
			}
			if page == nil {
				page = []map[string]interface{}{}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"rows": page, "more": more, "next_key": next})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func voteRow(id int, voter, proposal string, choice int) map[string]interface{} {
	return map[string]interface{}{
		"key": strconv.Itoa(100 + id), "id": id, "voter": voter, "proposal_name": proposal,
		"vote": choice, "vote_json": "", "updated_at": "2018-09-01T00:00:00",
	}
}

func TestFetchSnapshot(t *testing.T) {
	f := &fakeChain{head: 1234, tables: map[string][]map[string]interface{}{}}
	f.add("eosforumrcpp", "eosforumrcpp", "proposal", map[string]interface{}{
		"key": "prop1", "proposal_name": "prop1", "proposer": "bob", "title": "One",
		"proposal_json": "{}", "created_at": "2018-09-01T00:00:00", "expires_at": "2018-10-01T00:00:00",
	})
	for i, voter := range []string{"alice", "bob", "carol"} {
		f.add("eosforumrcpp", "eosforumrcpp", "vote", voteRow(i, voter, "prop1", 1))
	}
	f.add("eosio", "eosio", "voters", map[string]interface{}{"key": "alice", "owner": "alice", "staked": "500", "is_proxy": 0})
	f.add("eosio", "eosio", "voters", map[string]interface{}{"key": "dan", "owner": "dan", "staked": "1", "is_proxy": 0})
	f.add("eosio", "alice", "delband", map[string]interface{}{"key": "alice", "from": "alice", "to": "alice", "net_weight": "1.0000 EOS", "cpu_weight": "1.0000 EOS"})
	f.add("eosio", "bob", "delband", map[string]interface{}{"key": "bob", "from": "bob", "to": "bob", "net_weight": "0.5000 EOS", "cpu_weight": "0.5000 EOS"})

	srv := newFakeChain(t, f)
	c := NewClient(srv.URL+"/", "eosio", "eosforumrcpp")
	c.pageSize = 2

	snap, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1234), snap.BlockNum)
	require.Len(t, snap.Proposals, 1)
	require.Len(t, snap.Votes, 3)
	require.Len(t, snap.Voters, 3)
	require.Len(t, snap.Bandwidth, 2)

	voters := map[string]ledger.Voter{}
	for _, v := range snap.Voters {
		voters[v.Owner] = v
	}
	require.True(t, voters["alice"].Known)
	require.Equal(t, int64(500), voters["alice"].Staked)
	// bob has no voters row; carol has neither
	require.False(t, voters["bob"].Known)
	require.False(t, voters["carol"].Known)
}

func TestFetchVoterIgnoresNeighbourRow(t *testing.T) {
	f := &fakeChain{head: 1, tables: map[string][]map[string]interface{}{}}
	f.add("eosio", "eosio", "voters", map[string]interface{}{"key": "zed", "owner": "zed", "staked": 9})
	f.add("eosio", "amy", "delband", map[string]interface{}{"key": "bob", "from": "amy", "to": "bob", "net_weight": "1.0000 EOS", "cpu_weight": "1.0000 EOS"})

	c := NewClient(newFakeChain(t, f).URL, "eosio", "eosforumrcpp")
	v, b, err := c.FetchVoter(context.Background(), "amy")
	require.NoError(t, err)
	require.Equal(t, ledger.Voter{Owner: "amy"}, v)
	require.Nil(t, b)
}

func TestFetchSnapshotPropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "eosio", "eosforumrcpp").FetchSnapshot(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}
