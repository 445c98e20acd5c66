package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

type TONConfig struct {
	Network        string // mainnet/testnet
	LiteServerHost string
	LiteServerPort int
	LiteServerKey  string
	EscrowAddress  string
	ExplorerURL    string
}

// ConnectTON opens a lite-server pool. With LiteServerHost and LiteServerKey set
// it dials that server, otherwise it discovers servers from the global config.
func ConnectTON(ctx context.Context, cfg TONConfig, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if isTONMainnet(cfg.Network) {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if isTONMainnet(cfg.Network) {
		proofPolicy = ton.ProofCheckPolicySecure
	}
	return ton.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

func isTONMainnet(network string) bool {
	return strings.ToLower(network) == "mainnet"
}

// TONQuery reads transactions of the escrow wallet. Transfer ids have the form
// "<lt>:<hash hex>". Lite servers only return transactions from committed
// blocks, so every transaction found is final.
type TONQuery struct {
	api         ton.APIClientWrapped
	account     *address.Address
	explorerURL string
	log         *zap.Logger
}

func NewTONQuery(api ton.APIClientWrapped, cfg TONConfig, log *zap.Logger) (*TONQuery, error) {
	account, err := parseTONAddress(cfg.EscrowAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow address %q: %w", cfg.EscrowAddress, err)
	}
	explorer := cfg.ExplorerURL
	if explorer == "" {
		explorer = "https://testnet.tonviewer.com/transaction/"
		if isTONMainnet(cfg.Network) {
			explorer = "https://tonviewer.com/transaction/"
		}
	}
	return &TONQuery{api: api, account: account, explorerURL: explorer, log: log}, nil
}

func (q *TONQuery) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx, err := q.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Transaction{
		ID:          id,
		Finalized:   true,
		BlockHeight: int64(tx.LT),
	}
	if tx.Now > 0 {
		out.BlockTime = time.Unix(int64(tx.Now), 0).UTC()
	}
	return out, nil
}

// GetOutputs lists value credited to the escrow wallet by the inbound message
// and value sent out by the transaction's outbound messages.
func (q *TONQuery) GetOutputs(ctx context.Context, id string) (*TransferOutputs, error) {
	tx, err := q.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &TransferOutputs{}
	var outputs []Output
	in := incoming(tx)
	if in != nil && in.SrcAddr != nil {
		res.From = in.SrcAddr.String()
	}
	if in != nil && !in.Bounced {
		amt, err := nanoToInt64(in.Amount)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, Output{Address: q.account.String(), Amount: amt, AuxData: extractComment(in.Body)})
	}

	if tx.IO.Out != nil {
		msgs, err := tx.IO.Out.ToSlice()
		if err != nil {
			return nil, fmt.Errorf("decode out messages: %w", err)
		}
		for _, m := range msgs {
			msg, ok := m.Msg.(*tlb.InternalMessage)
			if !ok || msg == nil || msg.DstAddr == nil {
				continue
			}
			amt, err := nanoToInt64(msg.Amount)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, Output{Address: msg.DstAddr.String(), Amount: amt, AuxData: extractComment(msg.Body)})
		}
	}
	res.Outputs = outputs
	return res, nil
}

func (q *TONQuery) ExplorerLink(id string) string {
	_, hash, err := parseTONTransferID(id)
	if err != nil {
		return ""
	}
	return q.explorerURL + hex.EncodeToString(hash)
}

// SameAddress compares the raw workchain:hash form, ignoring the
// bounceable/testnet flags of user-friendly addresses.
func (q *TONQuery) SameAddress(a, b string) bool {
	x, err := parseTONAddress(a)
	if err != nil {
		return false
	}
	y, err := parseTONAddress(b)
	if err != nil {
		return false
	}
	return x.StringRaw() == y.StringRaw()
}

func (q *TONQuery) fetch(ctx context.Context, id string) (*tlb.Transaction, error) {
	lt, hash, err := parseTONTransferID(id)
	if err != nil {
		return nil, err
	}

	txs, err := q.api.ListTransactions(ctx, q.account, 1, lt, hash)
	if err != nil {
		if errors.Is(err, ton.ErrNoTransactionsWereFound) {
			return nil, ErrNotFound
		}
		q.log.Warn("lite server list transactions failed", zap.String("transfer_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if len(txs) == 0 || !bytes.Equal(txs[len(txs)-1].Hash, hash) {
		return nil, ErrNotFound
	}
	return txs[len(txs)-1], nil
}

func parseTONTransferID(id string) (uint64, []byte, error) {
	ltStr, hashStr, ok := strings.Cut(strings.TrimSpace(id), ":")
	if !ok {
		return 0, nil, fmt.Errorf("%w: expected <lt>:<hash>", ErrMalformedID)
	}
	lt, err := strconv.ParseUint(ltStr, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad lt %q", ErrMalformedID, ltStr)
	}
	hash, err := hex.DecodeString(hashStr)
	if err != nil || len(hash) != 32 {
		return 0, nil, fmt.Errorf("%w: bad hash %q", ErrMalformedID, hashStr)
	}
	return lt, hash, nil
}

func parseTONAddress(s string) (*address.Address, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}

func incoming(tx *tlb.Transaction) *tlb.InternalMessage {
	if tx.IO.In == nil {
		return nil
	}
	msg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok {
		return nil
	}
	return msg
}

func nanoToInt64(c tlb.Coins) (int64, error) {
	n := c.Nano()
	if !n.IsInt64() {
		return 0, fmt.Errorf("amount %s overflows int64", c.String())
	}
	return n.Int64(), nil
}

// extractComment parses a text comment: opcode 0x00000000 followed by UTF-8 text.
func extractComment(body *cell.Cell) string {
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}

	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}

	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
