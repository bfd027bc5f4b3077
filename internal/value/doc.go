// Package value provides the sealed field-value model for strata entities.
//
// Every entity field holds a Value. The set of implementations is closed:
// Null, String, Int, Bool, List, Record and Link. Floats are not
// representable, which keeps structural equality and canonical encoding
// deterministic.
//
// Key operations:
//   - Equal compares two values structurally
//   - MarshalCanonical produces RFC 8785 canonical JSON (NFC-normalized
//     strings, UTF-16 key order, no HTML escaping)
//   - Unmarshal decodes canonical JSON back into a Value
//   - Hash computes a domain-separated SHA-256 digest
//
// A Link is a soft reference to another entity's symbolic id. Links are
// encoded as {"$link":{"key":...,"type":...}} so they survive a round trip
// through canonical JSON.
//
// This package imports nothing internal.
package value
