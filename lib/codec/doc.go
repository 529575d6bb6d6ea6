// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used on layerrun's internal
// wire protocols, chiefly the header message that accompanies file
// descriptors passed across the privilege boundary (lib/fdforward).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical message always produces identical bytes. The decoder
// rejects trailing garbage after a single item: a forwarded-FD header
// is exactly one data item, and anything else is a protocol error.
//
// Types that are only ever encoded as CBOR use `cbor` struct tags.
package codec
