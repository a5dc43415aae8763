// Package memex is a Go client for the MEMEX node REST API.
package memex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

const founderSecretHeader = "X-Founder-Secret"

// Client wraps the HTTP interactions with the MEMEX node API. The bearer
// token is the caller's agent id.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu            sync.RWMutex
	agentID       string
	founderSecret string
}

// Wallet is an agent balance snapshot. Amounts are decimal numbers with up to
// six fractional digits and are kept as json.Number to avoid float rounding.
type Wallet struct {
	AgentID   string      `json:"agent_id"`
	Balance   json.Number `json:"balance"`
	Staked    json.Number `json:"staked"`
	Available json.Number `json:"available"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Transaction is one entry of the ledger log.
type Transaction struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	From      string      `json:"from_agent_id,omitempty"`
	To        string      `json:"to_agent_id,omitempty"`
	Amount    json.Number `json:"amount"`
	Type      string      `json:"type"`
	Memo      string      `json:"memo,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// StakeStatus describes an agent's stake.
type StakeStatus struct {
	AgentID     string      `json:"agent_id"`
	Staked      json.Number `json:"staked"`
	Available   json.Number `json:"available"`
	MinStake    json.Number `json:"min_stake"`
	IsValidator bool        `json:"is_validator"`
}

// FeeReceipt is the result of charging a route fee.
type FeeReceipt struct {
	AgentID       string      `json:"agent_id"`
	Route         string      `json:"route"`
	Fee           json.Number `json:"fee"`
	Validators    json.Number `json:"validators"`
	Contributors  json.Number `json:"contributors"`
	Treasury      json.Number `json:"treasury"`
	ConfigVersion int64       `json:"config_version"`
	Epoch         int64       `json:"epoch"`
	TxIDs         []string    `json:"tx_ids,omitempty"`
}

// ConfigVersion is an immutable set of economic parameters.
type ConfigVersion struct {
	Version        int64                  `json:"version"`
	EffectiveEpoch int64                  `json:"effective_epoch"`
	Fees           map[string]json.Number `json:"fees"`
	FeeSplit       map[string]json.Number `json:"fee_split"`
	Staking        map[string]json.Number `json:"staking"`
	SourceProposal string                 `json:"source_proposal,omitempty"`
}

// ConfigSnapshot holds the version in force at an epoch and the next scheduled one.
type ConfigSnapshot struct {
	Epoch     int64          `json:"epoch"`
	Current   ConfigVersion  `json:"current"`
	Scheduled *ConfigVersion `json:"scheduled,omitempty"`
}

// Change is a single parameter change carried by a proposal.
type Change struct {
	Key      string      `json:"key"`
	NewValue json.Number `json:"new_value"`
}

// Proposal is a governance proposal.
type Proposal struct {
	ID               string      `json:"id"`
	ProposerID       string      `json:"proposer_id"`
	Changes          []Change    `json:"changes"`
	Status           string      `json:"status"`
	ActivationEpoch  int64       `json:"activation_epoch"`
	VotesYes         json.Number `json:"votes_yes"`
	VotesNo          json.Number `json:"votes_no"`
	CreatedEpoch     int64       `json:"created_epoch"`
	ClosedEpoch      int64       `json:"closed_epoch,omitempty"`
	ActivatedVersion int64       `json:"activated_version,omitempty"`
}

// Vote is a stake-weighted vote.
type Vote struct {
	ID          string      `json:"id"`
	ProposalID  string      `json:"proposal_id"`
	VoterID     string      `json:"voter_id"`
	Choice      string      `json:"choice"`
	StakeWeight json.Number `json:"stake_weight"`
	CastEpoch   int64       `json:"cast_epoch"`
}

// SlashResult reports a slash applied by the founder.
type SlashResult struct {
	AgentID        string      `json:"agent_id"`
	Slashed        json.Number `json:"slashed"`
	RemainingStake json.Number `json:"remaining_stake"`
	TxID           string      `json:"tx_id,omitempty"`
}

// Checkpoint commits to the wallet state at an epoch.
type Checkpoint struct {
	Epoch       int64       `json:"epoch"`
	Root        string      `json:"root"`
	Wallets     int         `json:"wallets"`
	TotalSupply json.Number `json:"total_supply"`
	TotalStaked json.Number `json:"total_staked"`
}

// Reconciliation compares a wallet with a replay of its transaction log.
type Reconciliation struct {
	AgentID    string      `json:"agent_id"`
	Wallet     Wallet      `json:"wallet"`
	LogBalance json.Number `json:"log_balance"`
	LogStaked  json.Number `json:"log_staked"`
	Consistent bool        `json:"consistent"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("memex api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("memex api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the MEMEX node API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAgent sets the agent id sent as bearer token.
func (c *Client) SetAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
}

// Agent returns the configured agent id.
func (c *Client) Agent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// SetFounderSecret sets the secret required by founder operations.
func (c *Client) SetFounderSecret(secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.founderSecret = secret
}

// Wallet returns the caller's wallet, creating it on first use.
func (c *Client) Wallet(ctx context.Context) (Wallet, error) {
	var out Wallet
	err := c.call(ctx, http.MethodGet, "/api/v0/wallet", nil, nil, &out, true)
	return out, err
}

// WalletOf returns any agent's wallet without authentication.
func (c *Client) WalletOf(ctx context.Context, agentID string) (Wallet, error) {
	var out Wallet
	err := c.call(ctx, http.MethodGet, "/api/v0/wallets/"+url.PathEscape(agentID), nil, nil, &out, false)
	return out, err
}

// Transfer moves amount from the caller to another agent.
func (c *Client) Transfer(ctx context.Context, to, amount, memo string) (Transaction, error) {
	payload := map[string]interface{}{"to_agent_id": to, "amount": amount, "memo": memo}
	var out Transaction
	err := c.call(ctx, http.MethodPost, "/api/v0/wallet/transfer", nil, payload, &out, true)
	return out, err
}

// Transactions lists the caller's most recent transactions.
func (c *Client) Transactions(ctx context.Context, limit int) ([]Transaction, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v0/wallet/transactions", query, nil, &out, true)
	return out.Transactions, err
}

// Stake moves amount from available to staked.
func (c *Client) Stake(ctx context.Context, amount string) (Wallet, error) {
	var out Wallet
	err := c.call(ctx, http.MethodPost, "/api/v0/staking/stake", nil, map[string]string{"amount": amount}, &out, true)
	return out, err
}

// Unstake moves amount from staked back to available.
func (c *Client) Unstake(ctx context.Context, amount string) (Wallet, error) {
	var out Wallet
	err := c.call(ctx, http.MethodPost, "/api/v0/staking/unstake", nil, map[string]string{"amount": amount}, &out, true)
	return out, err
}

// StakeStatus returns the caller's stake and validator status.
func (c *Client) StakeStatus(ctx context.Context) (StakeStatus, error) {
	var out StakeStatus
	err := c.call(ctx, http.MethodGet, "/api/v0/staking/status", nil, nil, &out, true)
	return out, err
}

// ClaimFaucet claims the one-time faucet grant.
func (c *Client) ClaimFaucet(ctx context.Context) (Transaction, error) {
	var out Transaction
	err := c.call(ctx, http.MethodPost, "/api/v0/faucet/claim", nil, nil, &out, true)
	return out, err
}

// ClaimMission claims a mission reward.
func (c *Client) ClaimMission(ctx context.Context, mission string) (Transaction, error) {
	var out Transaction
	err := c.call(ctx, http.MethodPost, "/api/v0/missions/"+url.PathEscape(mission)+"/claim", nil, nil, &out, true)
	return out, err
}

// ChargeFee charges the caller the fee configured for route.
func (c *Client) ChargeFee(ctx context.Context, route string) (FeeReceipt, error) {
	var out FeeReceipt
	err := c.call(ctx, http.MethodPost, "/api/v0/fees/charge", nil, map[string]string{"route": route}, &out, true)
	return out, err
}

// Config returns the configuration snapshot at epoch, or at the current
// epoch when epoch is negative.
func (c *Client) Config(ctx context.Context, epoch int64) (ConfigSnapshot, error) {
	query := url.Values{}
	if epoch >= 0 {
		query.Set("epoch", strconv.FormatInt(epoch, 10))
	}
	var out ConfigSnapshot
	err := c.call(ctx, http.MethodGet, "/api/v0/config", query, nil, &out, false)
	return out, err
}

// Epoch returns the current epoch.
func (c *Client) Epoch(ctx context.Context) (int64, error) {
	var out struct {
		Epoch int64 `json:"epoch"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v0/epoch", nil, nil, &out, false)
	return out.Epoch, err
}

// Proposals lists proposals filtered by status.
func (c *Client) Proposals(ctx context.Context, statuses ...string) ([]Proposal, error) {
	query := url.Values{}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	var out struct {
		Proposals []Proposal `json:"proposals"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v0/governance/proposals", query, nil, &out, false)
	return out.Proposals, err
}

// CreateProposal submits a proposal. activationEpoch may be nil.
func (c *Client) CreateProposal(ctx context.Context, changes []Change, activationEpoch *int64) (Proposal, error) {
	payload := struct {
		Changes         []Change `json:"changes"`
		ActivationEpoch *int64   `json:"activation_epoch,omitempty"`
	}{Changes: changes, ActivationEpoch: activationEpoch}
	var out Proposal
	err := c.call(ctx, http.MethodPost, "/api/v0/governance/proposals", nil, payload, &out, true)
	return out, err
}

// Proposal fetches one proposal.
func (c *Client) Proposal(ctx context.Context, id string) (Proposal, error) {
	var out Proposal
	err := c.call(ctx, http.MethodGet, "/api/v0/governance/proposals/"+url.PathEscape(id), nil, nil, &out, false)
	return out, err
}

// Vote casts the caller's vote ("yes" or "no").
func (c *Client) Vote(ctx context.Context, proposalID, choice string) (Vote, error) {
	var out Vote
	err := c.call(ctx, http.MethodPost, "/api/v0/governance/proposals/"+url.PathEscape(proposalID)+"/votes",
		nil, map[string]string{"choice": choice}, &out, true)
	return out, err
}

// Votes lists the votes of a proposal.
func (c *Client) Votes(ctx context.Context, proposalID string) ([]Vote, error) {
	var out struct {
		Votes []Vote `json:"votes"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v0/governance/proposals/"+url.PathEscape(proposalID)+"/votes", nil, nil, &out, false)
	return out.Votes, err
}

// AdvanceEpoch advances the epoch clock. Founder only.
func (c *Client) AdvanceEpoch(ctx context.Context, epochs int64) (int64, error) {
	var out struct {
		Epoch int64 `json:"epoch"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v0/founder/epoch/advance", nil, map[string]int64{"epochs": epochs}, &out, true)
	return out.Epoch, err
}

// TreasuryTransfer pays amount from the treasury to an agent. Founder only.
func (c *Client) TreasuryTransfer(ctx context.Context, to, amount, memo string) (Transaction, error) {
	payload := map[string]string{"to_agent_id": to, "amount": amount, "memo": memo}
	var out Transaction
	err := c.call(ctx, http.MethodPost, "/api/v0/founder/treasury/transfer", nil, payload, &out, true)
	return out, err
}

// Slash slashes an agent's stake for a configured reason. Founder only.
func (c *Client) Slash(ctx context.Context, agentID, reason string) (SlashResult, error) {
	var out SlashResult
	err := c.call(ctx, http.MethodPost, "/api/v0/founder/slash", nil,
		map[string]string{"agent_id": agentID, "reason": reason}, &out, true)
	return out, err
}

// Checkpoint computes a state commitment. Founder only.
func (c *Client) Checkpoint(ctx context.Context) (Checkpoint, error) {
	var out Checkpoint
	err := c.call(ctx, http.MethodGet, "/api/v0/founder/checkpoint", nil, nil, &out, true)
	return out, err
}

// Reconcile replays an agent's log against its wallet. Founder only.
func (c *Client) Reconcile(ctx context.Context, agentID string) (Reconciliation, error) {
	var out Reconciliation
	err := c.call(ctx, http.MethodGet, "/api/v0/founder/reconcile/"+url.PathEscape(agentID), nil, nil, &out, true)
	return out, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		c.mu.RLock()
		agent, secret := c.agentID, c.founderSecret
		c.mu.RUnlock()
		if agent == "" {
			return nil, errors.New("memex: agent id is not set")
		}
		req.Header.Set("Authorization", "Bearer "+agent)
		if secret != "" {
			req.Header.Set(founderSecretHeader, secret)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
