package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/feeledger/pkg/crypto"
	"github.com/uhyunpark/feeledger/pkg/ledger"
	"github.com/uhyunpark/feeledger/pkg/transaction"
)

var (
	keyHex  string
	chainID int64
	submit  string

	kind           string
	counterparty   string
	orderIndex     uint8
	side           string
	price          uint64
	size           uint64
	expiry         uint64
	makerRebateBps uint16
	takerFeeBps    uint16
	referralBps    uint16
	amount         uint64
	epoch          uint64
	nonce          uint64
)

var rootCmd = &cobra.Command{
	Use:   "sign-command",
	Short: "sign fee ledger commands with EIP-712 and optionally submit them",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate a new secp256k1 key",
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("Address: %s\n", signer.Address().Hex())
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "build and sign one command",
	Long: `Builds a command of the given --kind for the key's address and prints the signed JSON.
--counterparty is the maker for fill_order and the referrer for register_user.
With --submit the command is POSTed to <url>/api/v1/commands.`,
	RunE: runSign,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", os.Getenv("FEELEDGER_KEY"), "hex private key (default $FEELEDGER_KEY)")
	rootCmd.PersistentFlags().Int64Var(&chainID, "chain-id", 1337, "EIP-712 domain chain id")

	f := signCmd.Flags()
	f.StringVar(&kind, "kind", "", "command kind, e.g. place_order, fill_order")
	f.StringVar(&counterparty, "counterparty", "", "maker (fill_order) or referrer (register_user) address")
	f.Uint8Var(&orderIndex, "index", 0, "order slot index")
	f.StringVar(&side, "side", "", "bid or ask")
	f.Uint64Var(&price, "price", 0, "order price")
	f.Uint64Var(&size, "size", 0, "order size or fill size")
	f.Uint64Var(&expiry, "expiry", 0, "order expiry, unix seconds (0 = never)")
	f.Uint16Var(&makerRebateBps, "maker-rebate-bps", 0, "maker rebate in basis points")
	f.Uint16Var(&takerFeeBps, "taker-fee-bps", 0, "taker fee in basis points")
	f.Uint16Var(&referralBps, "referral-bps", 0, "referral cut in basis points")
	f.Uint64Var(&amount, "amount", 0, "withdrawal amount or reward pool")
	f.Uint64Var(&epoch, "epoch", 0, "scoring epoch to distribute")
	f.Uint64Var(&nonce, "nonce", 0, "command nonce (default: unix time in ms)")
	f.StringVar(&submit, "submit", "", "ledgerd base URL, e.g. http://localhost:8080")
	signCmd.MarkFlagRequired("kind")

	rootCmd.AddCommand(keygenCmd, signCmd)
}

func runSign(cmd *cobra.Command, args []string) error {
	if keyHex == "" {
		return fmt.Errorf("missing --key")
	}
	signer, err := crypto.FromPrivateKeyHex(keyHex)
	if err != nil {
		return err
	}

	c := &crypto.CommandEIP712{
		Kind:           kind,
		Account:        signer.Address(),
		OrderIndex:     orderIndex,
		Price:          price,
		Size:           size,
		Expiry:         expiry,
		MakerRebateBps: makerRebateBps,
		TakerFeeBps:    takerFeeBps,
		ReferralBps:    referralBps,
		Amount:         amount,
		Epoch:          epoch,
		Nonce:          nonce,
	}
	if c.Nonce == 0 {
		c.Nonce = uint64(time.Now().UnixMilli())
	}
	if side != "" {
		s, err := ledger.ParseSide(side)
		if err != nil {
			return err
		}
		c.Side = uint8(s)
	}
	if counterparty != "" {
		if !common.IsHexAddress(counterparty) {
			return fmt.Errorf("invalid counterparty %q", counterparty)
		}
		c.Counterparty = common.HexToAddress(counterparty)
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(chainID)
	sc, err := transaction.Sign(crypto.NewCommandSigner(domain), signer, c)
	if err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	if err := sc.Command.Validate(); err != nil {
		return err
	}

	out, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if submit == "" {
		return nil
	}
	resp, err := http.Post(submit+"/api/v1/commands", "application/json", bytes.NewReader(out))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("\n%s %s\n", resp.Status, bytes.TrimSpace(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("command rejected")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
