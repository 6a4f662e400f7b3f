// Copyright 2021 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objectfile

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	noteTypeGNUBuildID = 3
	gnuOwner           = "GNU"
)

// readBuildID extracts the build-id from .note.gnu.build-id. A Go
// build-id note is not read: without the GNU note it returns
// ErrNoBuildId.
func readBuildID(obj *elf.File) (BuildID, error) {
	sec := obj.Section(".note.gnu.build-id")
	if sec == nil {
		return "", ErrNoBuildId
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("%w: reading .note.gnu.build-id: %v", ErrIO, err)
	}

	id, ok := parseGNUBuildIDNote(data, obj.ByteOrder)
	if !ok {
		return "", ErrNoBuildId
	}
	return BuildID(hex.EncodeToString(id)), nil
}

// parseGNUBuildIDNote walks the ELF note records looking for an
// NT_GNU_BUILD_ID note owned by "GNU".
func parseGNUBuildIDNote(data []byte, order binary.ByteOrder) (ownerDesc []byte, ok bool) {
	for len(data) >= 12 {
		nameSize := order.Uint32(data[0:4])
		descSize := order.Uint32(data[4:8])
		noteType := order.Uint32(data[8:12])

		off := 12
		nameEnd := off + int(nameSize)
		if nameEnd > len(data) {
			return nil, false
		}
		name := data[off:nameEnd]
		nameEnd = align4(nameEnd)

		descStart := nameEnd
		descEnd := descStart + int(descSize)
		if descEnd > len(data) {
			return nil, false
		}
		desc := data[descStart:descEnd]

		if noteType == noteTypeGNUBuildID && trimNul(name) == gnuOwner {
			return desc, true
		}

		data = data[align4(descEnd):]
	}
	return nil, false
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

