// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apps

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// specHashLen is the number of hex characters of the digest kept. The
// hash is carried as a container label, so it stays short.
const specHashLen = 12

// hashedSpec is the canonical form of the fields whose change requires
// the container to be replaced. Anything not listed here is metadata:
// changing it must not cause a restart.
type hashedSpec struct {
	ImageRef      string            `json:"image"`
	Environment   map[string]string `json:"environment,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
	NetworkMode   string            `json:"networkMode,omitempty"`
	RestartPolicy string            `json:"restart,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// SpecHash returns a deterministic digest over the replacement-relevant
// fields of the spec. Two specs with equal hashes may share a running
// container; unequal hashes force a stop/remove/start cycle.
//
// Slices are order-insensitive: the cloud reordering a port list is not
// a reason to replace a container. Map keys are canonicalised by the
// JSON encoder.
func (s ServiceSpec) SpecHash() string {
	canon := hashedSpec{
		ImageRef:      s.ImageRef,
		Environment:   s.Environment,
		Ports:         sortedCopy(s.Ports),
		Volumes:       sortedCopy(s.Volumes),
		Networks:      sortedCopy(s.Networks),
		NetworkMode:   s.NetworkMode,
		RestartPolicy: s.RestartPolicy,
		Labels:        s.Labels,
	}
	// Empty and nil maps must hash identically.
	if len(canon.Environment) == 0 {
		canon.Environment = nil
	}
	if len(canon.Labels) == 0 {
		canon.Labels = nil
	}
	data, err := json.Marshal(canon)
	if err != nil {
		// Marshalling a struct of strings and string maps cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:specHashLen]
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
