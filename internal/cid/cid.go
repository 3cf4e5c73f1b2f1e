// Package cid validates and normalizes the content-addressed identifiers
// (CIDs) carried by File rows, using the same go-cid/go-multihash stack
// the wider IPFS-adjacent corpus (rclone's vendored IPFS client,
// wb-zk-optimism's libp2p stack) depends on for the same purpose.
package cid

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Parse validates s as either a CIDv0/v1 string or a bare multihash and
// returns its canonical string form. The content store accepts legacy
// base58 multihashes (the common case for audio/image blobs) as well as
// full CIDs, so both are tried.
func Parse(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("cid: empty identifier")
	}
	if c, err := gocid.Decode(s); err == nil {
		return c.String(), nil
	}
	mh, err := multihash.FromB58String(s)
	if err != nil {
		return "", fmt.Errorf("cid: %q is not a valid CID or multihash: %w", s, err)
	}
	if _, err := multihash.Decode(mh); err != nil {
		return "", fmt.Errorf("cid: %q decodes to an invalid multihash: %w", s, err)
	}
	return s, nil
}

// Valid reports whether s parses as a CID or multihash without returning
// the normalized form; used by request validation where we just need a
// boolean gate.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// GatewayPath builds the path segment used to fetch cid from a peer's
// /ipfs route, optionally as a named entry inside a directory CID.
func GatewayPath(c string, fileName *string) string {
	if fileName != nil && *fileName != "" {
		return fmt.Sprintf("/ipfs/%s/%s", c, *fileName)
	}
	return fmt.Sprintf("/ipfs/%s", c)
}
