package sign

import "fmt"

var _ Signer = (*FakeSigner)(nil)

// FakeSigner produces deterministic, unverifiable signatures for tests that
// need a Signer without touching real key material or elliptic-curve math.
type FakeSigner struct {
	publicKey PublicKey
}

// NewFakeSigner returns a FakeSigner whose address is derived from id.
func NewFakeSigner(id string) *FakeSigner {
	return &FakeSigner{publicKey: NewFakePublicKey(id)}
}

// Sign appends a suffix naming the signer's address to data, so the
// resulting bytes are reproducible and trivially distinguishable per test
// signer without any real cryptography involved.
func (f *FakeSigner) Sign(data []byte) (Signature, error) {
	suffix := fmt.Sprintf("-signed-by-%s", f.publicKey.Address().String())
	return Signature(append(append([]byte{}, data...), suffix...)), nil
}

func (f *FakeSigner) PublicKey() PublicKey { return f.publicKey }

var _ PublicKey = (*FakePublicKey)(nil)

// FakePublicKey is a PublicKey whose id string doubles as both its address
// and its byte encoding.
type FakePublicKey struct {
	id string
}

func NewFakePublicKey(id string) *FakePublicKey {
	return &FakePublicKey{id: id}
}

func (p *FakePublicKey) Address() Address { return NewFakeAddress(p.id) }

func (p *FakePublicKey) Bytes() []byte { return []byte(p.id) }

var _ Address = (*FakeAddress)(nil)

// FakeAddress is an Address backed by a plain string instead of a chain's
// native address encoding.
type FakeAddress struct {
	id string
}

func NewFakeAddress(id string) *FakeAddress {
	return &FakeAddress{id: id}
}

func (a *FakeAddress) String() string { return a.id }

func (a *FakeAddress) Equals(other Address) bool {
	return a.id == other.String()
}
