// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package scauth authenticates users with an OpenPGP smartcard.
//
// Card operations are delegated to a card daemon and certificate operations
// to a directory manager, both spoken to over the line protocol implemented
// by the assuan package. Sessions with the daemons are provided by the card
// and dirmngr packages.
//
// [Authenticator] runs the challenge-response handshake: a fresh random
// challenge is wrapped in a DigestInfo, signed by the card and the signature
// is verified against a public key. The public key comes either from a local
// [KeyStore] holding one key per card serial number, or from an X.509
// certificate which the directory manager fetches from the URL stored on the
// card and validates.
//
// [Service.Login] ties these together with a [UserDB] mapping card serial
// numbers to accounts. Its failures are reported as the single error
// [ErrAuthFailed]; details are only logged. [KindOf] classifies the errors of
// the individual steps.
package scauth
