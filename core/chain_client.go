package core

// chain_client.go — the one concrete ChainClient implementation: a thin
// go-ethereum wrapper that settles a payment batch as a single value
// transfer to a settlement contract address and reports the signer's
// on-chain balance. spec.md §1 keeps full EVM-chain client internals
// (gas strategy, nonce management, mempool behavior) out of scope; this
// type only implements the narrow Submit/Balance boundary
// PaymentProcessor depends on, per SPEC_FULL.md §3's go-ethereum note.
//
// Grounded on the teacher's core/transactions.go (common.Address
// conversion, crypto.PubkeyToAddress) and core/common_structs.go's
// go-ethereum import shape, generalised from Synnergy's in-process ledger
// to a real ethclient-backed settlement call.

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMChainClient settles upload-pipeline payment batches on an EVM chain.
// A single settlement transaction per batch carries the summed quote
// cost to the settlement contract address (spec.md §4.5).
type EVMChainClient struct {
	client     *ethclient.Client
	signer     *ecdsa.PrivateKey
	chainID    *big.Int
	settlement common.Address
}

// NewEVMChainClient dials rpcURL and binds signerHex (a hex-encoded
// secp256k1 private key, distinct from the HD wallet's ed25519 quote-
// signing identity in wallet.go — on-chain settlement and off-chain
// quote signing are deliberately different keys/curves) as the
// transaction sender.
func NewEVMChainClient(rpcURL, signerHex string, chainID int64, settlement common.Address) (*EVMChainClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain client: dial %s: %w", rpcURL, err)
	}
	key, err := crypto.HexToECDSA(signerHex)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain client: parse signer key: %w", err)
	}
	return &EVMChainClient{
		client:     client,
		signer:     key,
		chainID:    big.NewInt(chainID),
		settlement: settlement,
	}, nil
}

// Balance reports the signer's on-chain balance in wei, truncated to
// uint64 (sufficient for this system's micropayment denominations).
func (c *EVMChainClient) Balance(ctx context.Context) (uint64, error) {
	addr := crypto.PubkeyToAddress(c.signer.PublicKey)
	bal, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("chain client: balance: %w", err)
	}
	return bal.Uint64(), nil
}

// Submit sends a single transaction covering the summed cost of every
// PendingCost in batch and waits for it to mine.
func (c *EVMChainClient) Submit(ctx context.Context, batch []PendingCost) (ChainReceipt, error) {
	from := crypto.PubkeyToAddress(c.signer.PublicKey)

	var total big.Int
	for _, pc := range batch {
		total.Add(&total, new(big.Int).SetUint64(pc.Quote.Cost))
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return ChainReceipt{}, fmt.Errorf("chain client: nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return ChainReceipt{}, fmt.Errorf("chain client: gas price: %w", err)
	}

	tx := gethtypes.NewTransaction(nonce, c.settlement, &total, 21000, gasPrice, nil)
	signer := gethtypes.LatestSignerForChainID(c.chainID)
	signedTx, err := gethtypes.SignTx(tx, signer, c.signer)
	if err != nil {
		return ChainReceipt{}, fmt.Errorf("chain client: sign: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return ChainReceipt{}, fmt.Errorf("chain client: send: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, signedTx)
	if err != nil {
		return ChainReceipt{}, fmt.Errorf("chain client: wait mined: %w", err)
	}
	return ChainReceipt{
		TxHash:      [32]byte(receipt.TxHash),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == gethtypes.ReceiptStatusSuccessful,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EVMChainClient) Close() { c.client.Close() }
