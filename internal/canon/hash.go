package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests. The version suffix leaves room for
// algorithm migration.
const (
	DomainJobContract = "covenant/job-contract/v1"
	DomainArtifact    = "covenant/artifact/v1"
	DomainEvaluation  = "covenant/evaluation/v1"
	DomainManifest    = "covenant/manifest/v1"
	DomainRegistry    = "covenant/registry/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data). The null separator
// prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the domain-separated SHA-256 of v's canonical form.
func Digest(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// DigestBytes digests bytes that are already canonical.
func DigestBytes(domain string, canonical []byte) string {
	return hashWithDomain(domain, canonical)
}
