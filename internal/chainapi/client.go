// Package chainapi fetches ledger state over the chain's HTTP API. It serves the
// full snapshot used for resync and single voter lookups for new accounts.
package chainapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proposal-tally/internal/ledger"
)

const (
	// DefaultPageSize is the get_table_rows limit per request.
	DefaultPageSize = 500
	// DefaultConcurrency bounds parallel voter lookups during a snapshot.
	DefaultConcurrency = 8

	tableVoters    = "voters"
	tableDelband   = "delband"
	tableProposals = "proposal"
	tableVotes     = "vote"
)

var ErrNotFound = errors.New("row not found")

// Client talks to a chain API node.
type Client struct {
	baseURL        string
	systemContract string
	forumContract  string
	pageSize       int
	concurrency    int
	client         *http.Client
}

func NewClient(baseURL, systemContract, forumContract string) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		systemContract: systemContract,
		forumContract:  forumContract,
		pageSize:       DefaultPageSize,
		concurrency:    DefaultConcurrency,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

type infoResp struct {
	HeadBlockNum             uint64 `json:"head_block_num"`
	LastIrreversibleBlockNum uint64 `json:"last_irreversible_block_num"`
}

type tableRowsReq struct {
	Code       string `json:"code"`
	Scope      string `json:"scope"`
	Table      string `json:"table"`
	JSON       bool   `json:"json"`
	Limit      int    `json:"limit"`
	LowerBound string `json:"lower_bound,omitempty"`
}

type tableRowsResp struct {
	Rows    []json.RawMessage `json:"rows"`
	More    bool              `json:"more"`
	NextKey string            `json:"next_key"`
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

// HeadBlock returns the chain head block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var info infoResp
	if err := c.post(ctx, "/v1/chain/get_info", struct{}{}, &info); err != nil {
		return 0, err
	}
	return info.HeadBlockNum, nil
}

// rows pages through a whole table.
func (c *Client) rows(ctx context.Context, code, scope, table string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	lower := ""
	for {
		var page tableRowsResp
		req := tableRowsReq{Code: code, Scope: scope, Table: table, JSON: true, Limit: c.pageSize, LowerBound: lower}
		if err := c.post(ctx, "/v1/chain/get_table_rows", req, &page); err != nil {
			return nil, fmt.Errorf("%s::%s: %w", code, table, err)
		}
		out = append(out, page.Rows...)
		if !page.More {
			return out, nil
		}
		if page.NextKey == "" || page.NextKey == lower {
			return nil, fmt.Errorf("%s::%s: node does not report next_key", code, table)
		}
		lower = page.NextKey
	}
}

// row fetches the row whose primary key is key, or ErrNotFound.
func (c *Client) row(ctx context.Context, code, scope, table, key string) (json.RawMessage, error) {
	var page tableRowsResp
	req := tableRowsReq{Code: code, Scope: scope, Table: table, JSON: true, Limit: 1, LowerBound: key}
	if err := c.post(ctx, "/v1/chain/get_table_rows", req, &page); err != nil {
		return nil, fmt.Errorf("%s::%s: %w", code, table, err)
	}
	if len(page.Rows) == 0 {
		return nil, ErrNotFound
	}
	return page.Rows[0], nil
}

// FetchVoter returns the account's voters row and self-delegated bandwidth.
// An account without a voters row yields a placeholder with Known unset; a nil
// bandwidth means the account has no self-delegated stake row.
func (c *Client) FetchVoter(ctx context.Context, account string) (ledger.Voter, *ledger.Bandwidth, error) {
	voter := ledger.Voter{Owner: account}
	raw, err := c.row(ctx, c.systemContract, c.systemContract, tableVoters, account)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return ledger.Voter{}, nil, err
	default:
		v, err := ledger.DecodeVoter(raw)
		if err != nil {
			return ledger.Voter{}, nil, err
		}
		// lower_bound returns the next row when the key is absent
		if v.Owner == account {
			voter = v
		}
	}

	raw, err = c.row(ctx, c.systemContract, account, tableDelband, account)
	switch {
	case errors.Is(err, ErrNotFound):
		return voter, nil, nil
	case err != nil:
		return ledger.Voter{}, nil, err
	}
	b, self, err := ledger.DecodeBandwidth(raw)
	if err != nil {
		return ledger.Voter{}, nil, err
	}
	if !self || b.Owner != account {
		return voter, nil, nil
	}
	return voter, &b, nil
}

// FetchSnapshot reads every proposal and vote, then the voter and bandwidth rows
// of each voting account. The head block is read first, so the snapshot reflects
// at least that block; later deltas replayed on top of it are absolute row values.
func (c *Client) FetchSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	head, err := c.HeadBlock(ctx)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	snap := ledger.Snapshot{BlockNum: head}

	var proposalRows, voteRows []json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		proposalRows, err = c.rows(gctx, c.forumContract, c.forumContract, tableProposals)
		return err
	})
	g.Go(func() (err error) {
		voteRows, err = c.rows(gctx, c.forumContract, c.forumContract, tableVotes)
		return err
	})
	if err := g.Wait(); err != nil {
		return ledger.Snapshot{}, err
	}

	for _, raw := range proposalRows {
		p, err := ledger.DecodeProposal(raw)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		snap.Proposals = append(snap.Proposals, p)
	}
	seen := map[string]bool{}
	var accounts []string
	for _, raw := range voteRows {
		v, err := ledger.DecodeVote(raw)
		if err != nil {
			return ledger.Snapshot{}, err
		}
		snap.Votes = append(snap.Votes, v)
		if !seen[v.Voter] {
			seen[v.Voter] = true
			accounts = append(accounts, v.Voter)
		}
	}

	var mu sync.Mutex
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			voter, bandwidth, err := c.FetchVoter(gctx, account)
			if err != nil {
				return fmt.Errorf("voter %s: %w", account, err)
			}
			mu.Lock()
			defer mu.Unlock()
			snap.Voters = append(snap.Voters, voter)
			if bandwidth != nil {
				snap.Bandwidth = append(snap.Bandwidth, *bandwidth)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}
