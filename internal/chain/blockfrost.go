package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default Blockfrost endpoints and explorers per Cardano network.
var (
	blockfrostURLs = map[string]string{
		"mainnet": "https://cardano-mainnet.blockfrost.io/api/v0",
		"preprod": "https://cardano-preprod.blockfrost.io/api/v0",
		"preview": "https://cardano-preview.blockfrost.io/api/v0",
	}
	explorerTxURLs = map[string]string{
		"mainnet": "https://cardanoscan.io/transaction/",
		"preprod": "https://preprod.cardanoscan.io/transaction/",
		"preview": "https://preview.cardanoscan.io/transaction/",
	}
)

const lovelaceUnit = "lovelace"

type BlockfrostConfig struct {
	Network      string
	BaseURL      string // overrides the network default
	ProjectID    string
	ExplorerURL  string // tx link prefix, overrides the network default
	RequestsPerS float64
	Burst        int
	Timeout      time.Duration
}

// BlockfrostClient reads Cardano transactions from the Blockfrost REST API.
type BlockfrostClient struct {
	baseURL     string
	projectID   string
	explorerURL string
	httpClient  *http.Client
	limiter     *rate.Limiter
	log         *zap.Logger
}

func NewBlockfrostClient(cfg BlockfrostConfig, log *zap.Logger) *BlockfrostClient {
	network := strings.ToLower(cfg.Network)
	if network == "" {
		network = "preprod"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = blockfrostURLs[network]
	}
	explorer := cfg.ExplorerURL
	if explorer == "" {
		explorer = explorerTxURLs[network]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerS > 0 {
		limit = rate.Limit(cfg.RequestsPerS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &BlockfrostClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		projectID:   cfg.ProjectID,
		explorerURL: explorer,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, burst),
		log:         log,
	}
}

type bfTransaction struct {
	Hash        string `json:"hash"`
	Block       string `json:"block"`
	BlockHeight *int64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

type bfAmount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type bfUTXO struct {
	Address     string     `json:"address"`
	Amount      []bfAmount `json:"amount"`
	DataHash    *string    `json:"data_hash"`
	InlineDatum *string    `json:"inline_datum"`
}

type bfUTXOs struct {
	Hash    string   `json:"hash"`
	Inputs  []bfUTXO `json:"inputs"`
	Outputs []bfUTXO `json:"outputs"`
}

func (c *BlockfrostClient) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var tx bfTransaction
	if err := c.getJSON(ctx, "/txs/"+url.PathEscape(id), &tx); err != nil {
		return nil, err
	}
	out := &Transaction{ID: id}
	// a transaction without a block is still in the mempool
	if tx.Block != "" && tx.BlockHeight != nil {
		out.Finalized = true
		out.BlockHeight = *tx.BlockHeight
		out.BlockTime = time.Unix(tx.BlockTime, 0).UTC()
	}
	return out, nil
}

// GetOutputs reads the transaction's UTXOs. The first input's address is
// reported as the sender.
func (c *BlockfrostClient) GetOutputs(ctx context.Context, id string) (*TransferOutputs, error) {
	var utxos bfUTXOs
	if err := c.getJSON(ctx, "/txs/"+url.PathEscape(id)+"/utxos", &utxos); err != nil {
		return nil, err
	}
	res := &TransferOutputs{Outputs: make([]Output, 0, len(utxos.Outputs))}
	if len(utxos.Inputs) > 0 {
		res.From = utxos.Inputs[0].Address
	}
	for _, o := range utxos.Outputs {
		out := Output{Address: o.Address}
		for _, a := range o.Amount {
			if a.Unit != lovelaceUnit {
				continue
			}
			q, err := strconv.ParseInt(a.Quantity, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse lovelace quantity %q: %w", a.Quantity, err)
			}
			out.Amount += q
		}
		switch {
		case o.InlineDatum != nil && *o.InlineDatum != "":
			out.AuxData = *o.InlineDatum
		case o.DataHash != nil && *o.DataHash != "":
			out.AuxData = *o.DataHash
		}
		res.Outputs = append(res.Outputs, out)
	}
	return res, nil
}

func (c *BlockfrostClient) ExplorerLink(id string) string {
	if c.explorerURL == "" {
		return ""
	}
	return c.explorerURL + id
}

// SameAddress compares bech32 addresses, which are lowercase by definition.
func (c *BlockfrostClient) SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (c *BlockfrostClient) getJSON(ctx context.Context, path string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("project_id", c.projectID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(dst)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s", ErrMalformedID, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn("blockfrost transient error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: blockfrost returned %d: %s", ErrTransient, resp.StatusCode, string(body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("blockfrost returned %d: %s", resp.StatusCode, string(body))
	}
}
