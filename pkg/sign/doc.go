// Package sign defines the broker's chain-agnostic signing abstraction: a
// Signer produces Signatures, an AddressRecoverer turns a Signature back
// into an Address, and neither interface ever exposes key material.
//
// The built-in implementation, EthereumSigner, wraps a raw ECDSA private
// key; production deployments can satisfy the same Signer interface with
// an HSM- or KMS-backed implementation instead, without any caller-side
// change.
//
//	signer, err := sign.NewEthereumSigner(privateKeyHex)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hash := ethcrypto.Keccak256Hash([]byte("hello world"))
//	signature, err := signer.Sign(hash.Bytes())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Address:", signer.PublicKey().Address())
package sign
