// Package manifest interprets registry manifest documents.
//
// A manifest list (Docker list or OCI index) names one manifest per platform;
// a concrete manifest names the ordered layers of one platform's image. The
// functions here pick the host's entry out of a list and read the layer
// digests out of a concrete manifest, without touching the network.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// IsList reports whether raw is a manifest list, i.e. has a "manifests" field.
func IsList(raw []byte) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, fmt.Errorf("%w: %v", ErrManifestShape, err)
	}
	_, ok := fields["manifests"]
	return ok, nil
}

// SelectPlatformDigest returns the digest of the first list entry matching key.
//
// An entry matches when its architecture equals key.Architecture and its OS
// is either empty or equal to key.OS. Entries for another OS with the right
// architecture, such as windows/amd64, are skipped, as are entries without a
// platform. The variant is not compared.
func SelectPlatformDigest(raw []byte, key PlatformKey) (v1.Hash, error) {
	index, err := v1.ParseIndexManifest(bytes.NewReader(raw))
	if err != nil {
		return v1.Hash{}, fmt.Errorf("%w: %v", ErrManifestShape, err)
	}

	for _, desc := range index.Manifests {
		if desc.Platform == nil {
			continue
		}
		if desc.Platform.Architecture != key.Architecture {
			continue
		}
		if desc.Platform.OS != "" && desc.Platform.OS != key.OS {
			continue
		}
		if desc.Digest.Hex == "" {
			return v1.Hash{}, fmt.Errorf("%w: entry for %s has no digest", ErrManifestShape, key)
		}
		return desc.Digest, nil
	}

	return v1.Hash{}, fmt.Errorf("%w: %s", ErrDigestNotFound, key)
}

type layerEntry struct {
	Digest string `json:"digest"`
}

// ExtractLayers returns the layer digests of a concrete manifest in array order.
func ExtractLayers(raw []byte) ([]v1.Hash, error) {
	var doc struct {
		Layers json.RawMessage `json:"layers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestShape, err)
	}
	if len(doc.Layers) == 0 || string(doc.Layers) == "null" {
		return nil, fmt.Errorf("%w: missing layers field", ErrManifestShape)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(doc.Layers, &entries); err != nil {
		return nil, fmt.Errorf("%w: layers is not an array", ErrManifestShape)
	}

	digests := make([]v1.Hash, 0, len(entries))
	for i, raw := range entries {
		var entry layerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w: layer %d: %v", ErrManifestShape, i, err)
		}
		if entry.Digest == "" {
			return nil, fmt.Errorf("%w: layer %d has no digest", ErrManifestShape, i)
		}
		h, err := v1.NewHash(entry.Digest)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %v", ErrManifestShape, i, err)
		}
		digests = append(digests, h)
	}

	return digests, nil
}
