package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// EVMConfig holds the connection settings of an EVMStore.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex, with or without 0x
	ChainID         int64  // 0 = ask the node
}

// EVMStore talks to the EvidenceAnchor contract on an EVM chain.
// It implements Store.
type EVMStore struct {
	client   *ethclient.Client
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	logger   *zap.Logger
}

// DialEVM connects to the node at cfg.RPCURL and prepares the signer.
func DialEVM(ctx context.Context, cfg EVMConfig, logger *zap.Logger) (*EVMStore, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	if cfg.PrivateKey == "" {
		return nil, errors.New("ledger private key is not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	s, err := newEVMStore(client, common.HexToAddress(cfg.ContractAddress), key, chainID, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// DialEVMReader connects to the node for read-only queries. Writes on the
// returned store fail with ErrReadOnly.
func DialEVMReader(ctx context.Context, rpcURL, contractAddress string, logger *zap.Logger) (*EVMStore, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	s, err := newEVMStore(client, common.HexToAddress(contractAddress), nil, nil, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newEVMStore(client *ethclient.Client, contract common.Address, key *ecdsa.PrivateKey, chainID *big.Int, logger *zap.Logger) (*EVMStore, error) {
	parsed, err := abi.JSON(strings.NewReader(evidenceAnchorABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	s := &EVMStore{
		client:   client,
		contract: contract,
		abi:      parsed,
		key:      key,
		chainID:  chainID,
		logger:   logger,
	}
	if key != nil {
		s.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s, nil
}

// Close releases the RPC connection.
func (s *EVMStore) Close() {
	s.client.Close()
}

// Submitter implements Store.
func (s *EVMStore) Submitter() string { return s.from.Hex() }

// Anchor implements Store. The call is simulated first so that a revert
// (already anchored, zero fingerprint) is reported without paying for it.
func (s *EVMStore) Anchor(ctx context.Context, fp Fingerprint, metadata string, opts TxOptions) (*Submission, error) {
	if fp.IsZero() {
		return nil, ErrZeroFingerprint
	}
	data, err := s.abi.Pack("anchor", [32]byte(fp), metadata)
	if err != nil {
		return nil, fmt.Errorf("pack anchor: %w", err)
	}

	if _, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &s.contract, Data: data}); err != nil {
		return nil, classifyRevert(err)
	}
	return s.send(ctx, data, opts, 1)
}

// AnchorBatch implements Store.
func (s *EVMStore) AnchorBatch(ctx context.Context, fps []Fingerprint, metadata []string, opts TxOptions) (*Submission, error) {
	if err := ValidateBatch(fps, metadata); err != nil {
		return nil, err
	}
	raw := make([][32]byte, len(fps))
	for i, fp := range fps {
		raw[i] = fp
	}
	data, err := s.abi.Pack("anchorBatch", raw, metadata)
	if err != nil {
		return nil, fmt.Errorf("pack anchorBatch: %w", err)
	}
	return s.send(ctx, data, opts, len(fps))
}

func (s *EVMStore) send(ctx context.Context, data []byte, opts TxOptions, items int) (*Submission, error) {
	if s.key == nil {
		return nil, ErrReadOnly
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    opts.Nonce,
		GasPrice: opts.GasPrice,
		Gas:      opts.GasLimit,
		To:       &s.contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		// The node already holds this exact transaction: a replayed send.
		if !strings.Contains(strings.ToLower(err.Error()), "already known") {
			return nil, classify(err)
		}
		s.logger.Debug("transaction already known", zap.String("ref", signed.Hash().Hex()))
	}

	return &Submission{
		Ref:    signed.Hash().Hex(),
		Nonce:  opts.Nonce,
		Items:  items,
		SentAt: time.Now().UTC(),
	}, nil
}

// IsAnchored implements Reader.
func (s *EVMStore) IsAnchored(ctx context.Context, fp Fingerprint) (bool, uint64, error) {
	vals, err := s.call(ctx, "isAnchored", [32]byte(fp))
	if err != nil {
		return false, 0, err
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("isAnchored: unexpected %d return values", len(vals))
	}
	anchored, _ := vals[0].(bool)
	ts, _ := vals[1].(*big.Int)
	if ts == nil || !ts.IsUint64() {
		return false, 0, errors.New("isAnchored: timestamp out of range")
	}
	return anchored, ts.Uint64(), nil
}

// VerifyIntegrity implements Reader.
func (s *EVMStore) VerifyIntegrity(ctx context.Context, fp Fingerprint, expected uint64) (bool, error) {
	vals, err := s.call(ctx, "verifyIntegrity", [32]byte(fp), new(big.Int).SetUint64(expected))
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("verifyIntegrity: unexpected %d return values", len(vals))
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

func (s *EVMStore) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &s.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, classify(err))
	}
	vals, err := s.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// Receipt implements Store.
func (s *EVMStore) Receipt(ctx context.Context, ref string) (*Receipt, error) {
	r, err := s.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", ref, classify(err))
	}

	out := &Receipt{
		Ref:       ref,
		Succeeded: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if err := s.parseLogs(out, r.Logs); err != nil {
		return nil, err
	}
	return out, nil
}

// parseLogs decodes the contract's events from a receipt's logs.
func (s *EVMStore) parseLogs(out *Receipt, logs []*types.Log) error {
	anchoredID := s.abi.Events["Anchored"].ID
	batchID := s.abi.Events["BatchAnchored"].ID

	for _, l := range logs {
		if l.Address != s.contract || len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case anchoredID:
			if len(l.Topics) < 3 {
				continue
			}
			vals, err := s.abi.Unpack("Anchored", l.Data)
			if err != nil {
				return fmt.Errorf("unpack Anchored: %w", err)
			}
			ts, _ := vals[0].(*big.Int)
			meta, _ := vals[1].(string)
			out.Anchored = append(out.Anchored, AnchoredEvent{
				Fingerprint: Fingerprint(l.Topics[1]),
				Submitter:   common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
				Timestamp:   bigToUint64(ts),
				Metadata:    meta,
			})
		case batchID:
			if len(l.Topics) < 2 {
				continue
			}
			vals, err := s.abi.Unpack("BatchAnchored", l.Data)
			if err != nil {
				return fmt.Errorf("unpack BatchAnchored: %w", err)
			}
			count, _ := vals[0].(*big.Int)
			ts, _ := vals[1].(*big.Int)
			out.Batch = &BatchAnchoredEvent{
				Submitter:      common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
				RequestedCount: bigToUint64(count),
				Timestamp:      bigToUint64(ts),
			}
		}
	}
	return nil
}

// Head implements Store.
func (s *EVMStore) Head(ctx context.Context) (uint64, error) {
	n, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", classify(err))
	}
	return n, nil
}

// PendingNonce implements Store.
func (s *EVMStore) PendingNonce(ctx context.Context) (uint64, error) {
	n, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", classify(err))
	}
	return n, nil
}

// SuggestGasPrice implements Store.
func (s *EVMStore) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", classify(err))
	}
	return p, nil
}

func bigToUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

// classifyRevert maps a failed call simulation onto the contract's reasons.
func classifyRevert(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already anchored"):
		return ErrAlreadyAnchored
	case strings.Contains(msg, "zero") && strings.Contains(msg, "revert"):
		return ErrZeroFingerprint
	}
	return classify(err)
}

// classify maps node errors onto the ledger error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %v", ErrNonceTooLow, err)
	case strings.Contains(msg, "nonce too high"):
		return fmt.Errorf("%w: %v", ErrNonceGap, err)
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee too low"),
		strings.Contains(msg, "less than block base fee"):
		return fmt.Errorf("%w: %v", ErrUnderpriced, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
