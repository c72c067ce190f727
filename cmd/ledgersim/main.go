// cmd/ledgersim serves a simulated hash-chained ledger behind the JSON-RPC
// gateway schema, so anchord can run in rpc mode without a real chain.
//
// Usage:
//
//	go run ./cmd/ledgersim
//	LEDGERSIM_PUBLIC_KEY_FILE=certs/signer.pub.pem go run ./cmd/ledgersim
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/ledger"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgersim exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	v := viper.New()
	v.SetEnvPrefix("ledgersim")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8545)
	v.SetDefault("confirm_after", 2)
	v.SetDefault("latency", "0s")
	v.SetDefault("block_interval", "0s")
	v.SetDefault("chain_id", 31337)
	v.SetDefault("contract_address", "0x5fbdb2315678afecb367f032d93f642f64180aa3")
	v.SetDefault("public_key_file", "")

	port := v.GetInt("port")
	chain := ledger.NewSimulated(
		ledger.WithConfirmAfter(v.GetInt("confirm_after")),
		ledger.WithLatency(v.GetDuration("latency")),
	)

	var verify *ledger.SignerVerification
	if path := v.GetString("public_key_file"); path != "" {
		pub, err := loadPublicKey(path)
		if err != nil {
			return err
		}
		verify = &ledger.SignerVerification{
			ChainID:         v.GetInt64("chain_id"),
			ContractAddress: v.GetString("contract_address"),
			PublicKey:       pub,
		}
		logger.Info("signer verification enabled", zap.Int64("chain_id", verify.ChainID))
	} else {
		logger.Warn("no public key configured, accepting unsigned requests")
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "blocks": chain.Len()})
	})
	ledger.NewRPCHandler(chain, verify, logger).Register(router)
	ledger.NewChainHandler(chain, logger).Register(router.Group(""))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Background: mine on a fixed interval when configured ─────────────────
	if interval := v.GetDuration("block_interval"); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := chain.Mine(); n > 0 {
						logger.Info("mined block batch", zap.Int("count", n), zap.String("root", chain.Root()))
					}
				}
			}
		}()
	}

	go func() {
		logger.Info("ledgersim listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down ledgersim...")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("ledgersim stopped", zap.Int("blocks", chain.Len()))
	return nil
}

func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("public key %s: no PEM block", path)
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := k.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is not an EC key", path)
	}
	return pub, nil
}
