// Package identity manages agent keypairs and bid signatures. Agents are
// identified by the 20-byte address derived from a secp256k1 public key;
// bids are signed over a keccak256 digest and the chain recovers the signer
// to authenticate the bidder.
package identity

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keypair is an agent signing key plus its derived address.
type Keypair struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// Generate creates a fresh agent keypair.
func Generate() (*Keypair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate agent key: %w", err)
	}
	return &Keypair{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// FromHex restores a keypair from a hex-encoded private key.
func FromHex(hexkey string) (*Keypair, error) {
	priv, err := crypto.HexToECDSA(hexkey)
	if err != nil {
		return nil, fmt.Errorf("parse agent key: %w", err)
	}
	return &Keypair{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// Address returns the agent's 20-byte address.
func (k *Keypair) Address() common.Address { return k.addr }

// BidDigest computes the signing digest for a bid:
// keccak256(task_id ‖ bidder ‖ amount ‖ utility ‖ nonce).
func BidDigest(taskID common.Hash, bidder common.Address, amount *big.Int, utility int, nonce uint64) common.Hash {
	var ub, nb [8]byte
	binary.BigEndian.PutUint64(ub[:], uint64(utility))
	binary.BigEndian.PutUint64(nb[:], nonce)
	return crypto.Keccak256Hash(
		taskID.Bytes(),
		bidder.Bytes(),
		common.BigToHash(amount).Bytes(),
		ub[:],
		nb[:],
	)
}

// SignBid signs the bid digest with the agent's key.
func (k *Keypair) SignBid(taskID common.Hash, amount *big.Int, utility int, nonce uint64) ([]byte, error) {
	digest := BidDigest(taskID, k.addr, amount, utility, nonce)
	sig, err := crypto.Sign(digest.Bytes(), k.priv)
	if err != nil {
		return nil, fmt.Errorf("sign bid: %w", err)
	}
	return sig, nil
}

// RecoverBidder recovers the address that signed a bid digest.
func RecoverBidder(digest common.Hash, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover bid signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
