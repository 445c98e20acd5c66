package chain

import (
	"context"
	"fmt"

	"github.com/milestone-escrow/backend/internal/config"
	"go.uber.org/zap"
)

// Open builds the Query backend selected by CHAIN_BACKEND.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Query, error) {
	switch cfg.ChainBackend {
	case config.ChainBackendBlockfrost, "":
		log.Info("using blockfrost chain backend", zap.String("network", cfg.CardanoNetwork))
		return NewBlockfrostClient(BlockfrostConfig{
			Network:      cfg.CardanoNetwork,
			BaseURL:      cfg.BlockfrostURL,
			ProjectID:    cfg.BlockfrostProjectID,
			ExplorerURL:  cfg.ExplorerTxURL,
			RequestsPerS: cfg.BlockfrostRPS,
			Timeout:      cfg.ChainTimeout,
		}, log), nil
	case config.ChainBackendTON:
		tonCfg := TONConfig{
			Network:        cfg.TONNetwork,
			LiteServerHost: cfg.LiteServerHost,
			LiteServerPort: cfg.LiteServerPort,
			LiteServerKey:  cfg.LiteServerKey,
			EscrowAddress:  cfg.EscrowAddress,
			ExplorerURL:    cfg.ExplorerTxURL,
		}
		api, err := ConnectTON(ctx, tonCfg, log)
		if err != nil {
			return nil, err
		}
		return NewTONQuery(api, tonCfg, log)
	default:
		return nil, fmt.Errorf("unknown chain backend %q", cfg.ChainBackend)
	}
}
