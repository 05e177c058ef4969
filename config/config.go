// Package config receives flags and ENV variables and initializes the
// anchoring service configuration.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/jacohend/flag"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

// InitConfig : receives ENV variables and initializes the service config struct
func InitConfig(home string) types.ServiceConfig {
	var network, anchoringKeysStr, fundingTxHex, serviceID, privateKeyPath string
	var btcRPCHost, btcRPCUser, btcRPCPass, tmServer, tmPort, apiPort, logLevel string
	var feePerByte, anchorInterval, followStartHeight int
	var auditOnly bool

	flag.String(flag.DefaultConfigFlagname, "", "path to config file")
	flag.StringVar(&network, "network", "mainnet", "bitcoin network (suffix -legacy for P2SH addressing)")
	flag.StringVar(&anchoringKeysStr, "anchoring_keys", "", "comma-delimited id:pubkey pairs in validator order")
	flag.StringVar(&fundingTxHex, "funding_tx", "", "raw hex of the funding transaction")
	flag.IntVar(&feePerByte, "fee_per_byte", 10, "anchoring fee rate in satoshis per byte")
	flag.IntVar(&anchorInterval, "anchor_interval", 1000, "anchor every n blocks of the BFT chain")
	flag.IntVar(&followStartHeight, "follow_start_height", 0, "activation height of a following config")
	flag.StringVar(&serviceID, "service_id", "", "this node's consensus service identity")
	flag.StringVar(&privateKeyPath, "btc_key_path", home+"/data/keys/anchoring_key.hex", "path to the bitcoin secp256k1 secret key")
	flag.StringVar(&btcRPCHost, "btc_rpc_host", "127.0.0.1:8334", "btcd json-rpc endpoint")
	flag.StringVar(&btcRPCUser, "btc_rpc_user", "", "btcd rpc username")
	flag.StringVar(&btcRPCPass, "btc_rpc_pass", "", "btcd rpc password")
	flag.StringVar(&tmServer, "tendermint_host", "127.0.0.1", "tendermint api url")
	flag.StringVar(&tmPort, "tendermint_port", "26657", "tendermint api port")
	flag.StringVar(&apiPort, "api_port", "8080", "anchoring status api port")
	flag.StringVar(&logLevel, "log_level", "info", "log level")
	flag.BoolVar(&auditOnly, "audit", false, "run as a read-only auditor even when holding a key")
	flag.Parse()

	allowLevel, err := log.AllowLevel(strings.ToLower(logLevel))
	if util.LogError(err) != nil {
		allowLevel, _ = log.AllowLevel("info")
	}
	tmLogger := log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allowLevel)

	privateKeyHex := util.GetEnv("BTC_PRIVATE_KEY", "")
	if privateKeyHex == "" {
		if content, err := ioutil.ReadFile(privateKeyPath); err == nil {
			privateKeyHex = strings.TrimSpace(string(content))
		}
	}

	anchoring := types.AnchoringConfig{
		Network:        network,
		AnchoringKeys:  ParseAnchoringKeys(anchoringKeysStr),
		FundingTxHex:   fundingTxHex,
		FeePerByte:     int64(feePerByte),
		AnchorInterval: int64(anchorInterval),
		StartHeight:    int64(followStartHeight),
	}

	return types.ServiceConfig{
		ServiceID:      serviceID,
		PrivateKeyHex:  privateKeyHex,
		Anchoring:      anchoring,
		BtcRPCHost:     btcRPCHost,
		BtcRPCUser:     btcRPCUser,
		BtcRPCPass:     btcRPCPass,
		TendermintHost: tmServer,
		TendermintPort: tmPort,
		APIPort:        apiPort,
		HomePath:       home,
		AuditOnly:      auditOnly,
		Logger:         &tmLogger,
	}
}

// ParseAnchoringKeys : parse "id:pubkeyhex,id:pubkeyhex" into ordered anchoring keys
func ParseAnchoringKeys(str string) []types.AnchoringKey {
	keys := []types.AnchoringKey{}
	for _, pair := range strings.Split(str, ",") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			util.LogError(fmt.Errorf("malformed anchoring key entry %q", pair))
			continue
		}
		keys = append(keys, types.AnchoringKey{ServiceID: parts[0], PubKey: parts[1]})
	}
	return keys
}
