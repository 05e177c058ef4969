package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/common-nighthawk/go-figure"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/anchorbft/anchoring-core/anchor"
	"github.com/anchorbft/anchoring-core/api"
	"github.com/anchorbft/anchoring-core/config"
	"github.com/anchorbft/anchoring-core/consensus"
	"github.com/anchorbft/anchoring-core/level"
	"github.com/anchorbft/anchoring-core/multisig"
	"github.com/anchorbft/anchoring-core/relay"
	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

var home string

// deliveredHeightKey tracks the last ledger height replayed into the engine,
// so a restart resumes delivery instead of skipping or repeating history.
const deliveredHeightKey = "delivered_height"

// setup creates the home dir and a fresh bitcoin key on first run.
func setup(cfg types.ServiceConfig) {
	if _, err := os.Stat(home); os.IsNotExist(err) {
		os.MkdirAll(home, os.ModePerm)
	}
	keyPath := home + "/data/keys/anchoring_key.hex"
	if cfg.PrivateKeyHex == "" {
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			os.MkdirAll(filepath.Dir(keyPath), os.ModePerm)
			priv, err := btcec.NewPrivateKey()
			if err != nil {
				panic(err)
			}
			keyHex := hex.EncodeToString(priv.Serialize())
			if err := ioutil.WriteFile(keyPath, []byte(keyHex), 0600); err != nil {
				panic(err)
			}
			fmt.Printf("Generated a new anchoring key at %s\n", keyPath)
			fmt.Printf("Public key: %s\n", hex.EncodeToString(priv.PubKey().SerializeCompressed()))
			fmt.Printf("Register this public key in the anchoring config, then restart.\n")
			os.Exit(0)
		}
	}
}

func main() {
	figure.NewColorFigure("Anchoring Core", "colossal", "red", false).Print()
	homedirname, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	home = fmt.Sprintf("%s/.anchoring/core", homedirname)

	cfg := config.InitConfig(home)
	logger := *cfg.Logger

	setup(cfg)

	if !cfg.AuditOnly {
		if err := anchor.ValidateConfig(cfg.Anchoring); err != nil {
			logger.Error(fmt.Sprintf("Refusing to start with a broken anchoring config: %s", err.Error()))
			os.Exit(1)
		}
	}

	store := level.OpenStore("anchoring", cfg.HomePath, logger)
	btcRelay, err := relay.NewBtcdRelay(cfg, logger)
	if err != nil {
		panic(err)
	}
	ledger := consensus.NewRPCClient(cfg, logger)

	engine, err := anchor.NewEngine(cfg, btcRelay, ledger, ledger, store, logger)
	if err != nil {
		panic(err)
	}

	if _, addr, err := multisig.FromConfig(cfg.Anchoring); err == nil {
		util.LoggerError(logger, btcRelay.WatchAddress(addr))
	}

	tmos.TrapSignal(logger, func() {
		logger.Info("Shutting down anchoring core...")
		store.Db.Close()
	})

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			height, err := ledger.Height()
			if util.LoggerError(logger, err) != nil {
				continue
			}
			// replay committed anchoring txs into the engine before the
			// round so observed signatures and lect claims count
			deliveredStr, _ := store.GetOne(deliveredHeightKey)
			delivered, _ := strconv.ParseInt(deliveredStr, 10, 64)
			for h := delivered + 1; h <= height; h++ {
				if util.LoggerError(logger, ledger.DeliverBlock(h, engine)) != nil {
					break
				}
				util.LoggerError(logger, store.Set(deliveredHeightKey, strconv.FormatInt(h, 10)))
			}
			util.LoggerError(logger, engine.Process(height))
			util.LoggerError(logger, engine.MonitorConfirmedTx())
		}
	}()

	apiServer := api.NewServer(engine, cfg, logger)
	util.LogError(apiServer.Serve())
}
