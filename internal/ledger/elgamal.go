package ledger

import (
	"errors"
	"fmt"
	"sync"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/suites"
)

var suite = suites.MustFind("Ed25519")

var (
	errBadCiphertext = errors.New("malformed ciphertext")
	errBadProof      = errors.New("ciphertext proof does not verify")
	errOutOfRange    = errors.New("plaintext outside decryptable range")
)

// keyPair is an ElGamal key over Ed25519.
type keyPair struct {
	secret kyber.Scalar
	public kyber.Point
}

func generateKey() *keyPair {
	x := suite.Scalar().Pick(suite.RandomStream())
	return &keyPair{secret: x, public: suite.Point().Mul(x, nil)}
}

// elgamal is an exponential ElGamal ciphertext (rG, mG + rP). Adding two
// ciphertexts adds their plaintexts; scaling by k multiplies it.
type elgamal struct {
	c1, c2 kyber.Point
}

func encrypt(pub kyber.Point, m uint64) (elgamal, kyber.Scalar) {
	r := suite.Scalar().Pick(suite.RandomStream())
	mG := suite.Point().Mul(scalarFromUint(m), nil)
	return elgamal{
		c1: suite.Point().Mul(r, nil),
		c2: suite.Point().Add(mG, suite.Point().Mul(r, pub)),
	}, r
}

func (e elgamal) add(o elgamal) elgamal {
	return elgamal{
		c1: suite.Point().Add(e.c1, o.c1),
		c2: suite.Point().Add(e.c2, o.c2),
	}
}

func (e elgamal) sub(o elgamal) elgamal {
	return elgamal{
		c1: suite.Point().Sub(e.c1, o.c1),
		c2: suite.Point().Sub(e.c2, o.c2),
	}
}

func (e elgamal) scale(k int64) elgamal {
	s := suite.Scalar().SetInt64(k)
	return elgamal{
		c1: suite.Point().Mul(s, e.c1),
		c2: suite.Point().Mul(s, e.c2),
	}
}

func (e elgamal) marshal() (Ciphertext, error) {
	a, err := e.c1.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b, err := e.c2.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(a, b...), nil
}

func unmarshalElgamal(ct Ciphertext) (elgamal, error) {
	size := suite.PointLen()
	if len(ct) != 2*size {
		return elgamal{}, errBadCiphertext
	}
	e := elgamal{c1: suite.Point(), c2: suite.Point()}
	if err := e.c1.UnmarshalBinary(ct[:size]); err != nil {
		return elgamal{}, fmt.Errorf("%w: %v", errBadCiphertext, err)
	}
	if err := e.c2.UnmarshalBinary(ct[size:]); err != nil {
		return elgamal{}, fmt.Errorf("%w: %v", errBadCiphertext, err)
	}
	return e, nil
}

// decryptPoint strips the mask and leaves mG.
func (k *keyPair) decryptPoint(e elgamal) kyber.Point {
	return suite.Point().Sub(e.c2, suite.Point().Mul(k.secret, e.c1))
}

func (k *keyPair) decrypt(e elgamal) (uint64, error) {
	return discreteLog(k.decryptPoint(e), babySteps*maxGiantSteps)
}

// decryptBelow only searches [0, bound), so an oversized plaintext fails
// after a few steps instead of the whole range.
func (k *keyPair) decryptBelow(e elgamal, bound uint64) (uint64, error) {
	return discreteLog(k.decryptPoint(e), bound)
}

// The proof is a Schnorr proof of knowledge of r with c1 = rG, with the
// challenge bound to the public key and the whole ciphertext.
func challenge(pub kyber.Point, e elgamal, commit kyber.Point) (kyber.Scalar, error) {
	var buf []byte
	for _, p := range []kyber.Point{pub, e.c1, e.c2, commit} {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return suite.Scalar().Pick(suite.XOF(buf)), nil
}

func prove(pub kyber.Point, e elgamal, r kyber.Scalar) ([]byte, error) {
	t := suite.Scalar().Pick(suite.RandomStream())
	commit := suite.Point().Mul(t, nil)
	c, err := challenge(pub, e, commit)
	if err != nil {
		return nil, err
	}
	s := suite.Scalar().Add(t, suite.Scalar().Mul(c, r))

	tb, err := commit.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sb, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(tb, sb...), nil
}

func verify(pub kyber.Point, e elgamal, proof []byte) error {
	if len(proof) != suite.PointLen()+suite.ScalarLen() {
		return errBadProof
	}
	commit := suite.Point()
	if err := commit.UnmarshalBinary(proof[:suite.PointLen()]); err != nil {
		return errBadProof
	}
	s := suite.Scalar()
	if err := s.UnmarshalBinary(proof[suite.PointLen():]); err != nil {
		return errBadProof
	}
	c, err := challenge(pub, e, commit)
	if err != nil {
		return err
	}
	// sG == T + c*c1
	lhs := suite.Point().Mul(s, nil)
	rhs := suite.Point().Add(commit, suite.Point().Mul(c, e.c1))
	if !lhs.Equal(rhs) {
		return errBadProof
	}
	return nil
}

func scalarFromUint(m uint64) kyber.Scalar {
	// values beyond int64 are outside the decryptable range anyway
	return suite.Scalar().SetInt64(int64(m))
}

// Baby-step giant-step over [0, babySteps*maxGiantSteps).
const (
	babySteps     = 1 << 14
	maxGiantSteps = 1 << 18
)

var (
	babyOnce  sync.Once
	babyTable map[string]uint32
	giantStep kyber.Point
)

func buildBabyTable() {
	babyTable = make(map[string]uint32, babySteps)
	p := suite.Point().Null()
	g := suite.Point().Base()
	for j := uint32(0); j < babySteps; j++ {
		b, _ := p.MarshalBinary()
		babyTable[string(b)] = j
		p = suite.Point().Add(p, g)
	}
	giantStep = suite.Point().Neg(suite.Point().Mul(suite.Scalar().SetInt64(babySteps), nil))
}

// discreteLog recovers m from mG for m < bound.
func discreteLog(target kyber.Point, bound uint64) (uint64, error) {
	babyOnce.Do(buildBabyTable)

	steps := min(uint64(maxGiantSteps), bound/babySteps+1)
	gamma := suite.Point().Add(suite.Point().Null(), target)
	for i := uint64(0); i < steps; i++ {
		b, err := gamma.MarshalBinary()
		if err != nil {
			return 0, err
		}
		if j, ok := babyTable[string(b)]; ok {
			if m := i*babySteps + uint64(j); m < bound {
				return m, nil
			}
			return 0, errOutOfRange
		}
		gamma = suite.Point().Add(gamma, giantStep)
	}
	return 0, errOutOfRange
}
