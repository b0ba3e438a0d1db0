// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package sexp

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// RSAPublicKey extracts an RSA public key from an expression of the form
//
//	(public-key (rsa (n <modulus>) (e <exponent>)))
//
// The outer public-key list is optional.
func RSAPublicKey(s *Sexp) (*rsa.PublicKey, error) {
	if pk := s.Find("public-key"); pk != nil {
		s = pk
	}
	alg := s.Find("rsa")
	if alg == nil {
		if s.IsList && len(s.List) > 1 && s.List[1].IsList {
			return nil, fmt.Errorf("%w: unsupported key algorithm %q", ErrSyntax, s.List[1].Name())
		}
		return nil, fmt.Errorf("%w: no rsa key found", ErrSyntax)
	}

	n, e := alg.Find("n").Value(), alg.Find("e").Value()
	if len(n) == 0 || len(e) == 0 {
		return nil, fmt.Errorf("%w: rsa key requires n and e", ErrSyntax)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%w: rsa exponent out of range", ErrSyntax)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FromRSAPublicKey encodes pub as (public-key (rsa (n ...) (e ...))). The
// modulus is prefixed with a zero byte when its top bit is set, as the card
// daemon does, so that it is not read back as negative.
func FromRSAPublicKey(pub *rsa.PublicKey) *Sexp {
	n := pub.N.Bytes()
	if len(n) > 0 && n[0]&0x80 != 0 {
		n = append([]byte{0}, n...)
	}
	e := big.NewInt(int64(pub.E)).Bytes()
	return NewList(
		NewAtom([]byte("public-key")),
		NewList(
			NewAtom([]byte("rsa")),
			NewList(NewAtom([]byte("n")), NewAtom(n)),
			NewList(NewAtom([]byte("e")), NewAtom(e)),
		),
	)
}
