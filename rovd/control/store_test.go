// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control_test

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/originproto/rov/pkg/vrp"
	"github.com/originproto/rov/rovd/control"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mkVRP(prefix string, maxLen uint8, asn uint32) vrp.VRP {
	return vrp.VRP{
		Prefix:    netip.MustParsePrefix(prefix),
		MaxLength: maxLen,
		ASN:       asn,
	}
}

func TestSnapshotStore(t *testing.T) {
	store := control.NewSnapshotStore()
	assert.Nil(t, store.Current())

	first := vrp.NewSnapshot(1, 7, []vrp.VRP{mkVRP("10.0.0.0/8", 24, 65001)})
	store.Publish(first)
	require.NotNil(t, store.Current())
	assert.EqualValues(t, 1, store.Current().Serial())

	second := vrp.NewSnapshot(2, 7, nil)
	store.Publish(second)
	assert.EqualValues(t, 2, store.Current().Serial())

	store.Clear()
	assert.Nil(t, store.Current())
}

func TestSnapshotStoreSubscribe(t *testing.T) {
	store := control.NewSnapshotStore()
	updates, cancel := store.Subscribe()
	defer cancel()

	store.Publish(vrp.NewSnapshot(1, 7, nil))
	info := <-updates
	assert.EqualValues(t, 1, info.Serial)

	// A slow subscriber misses intermediate versions but always sees the
	// newest one.
	store.Publish(vrp.NewSnapshot(2, 7, nil))
	store.Publish(vrp.NewSnapshot(3, 7, nil))
	info = <-updates
	assert.EqualValues(t, 3, info.Serial)

	select {
	case info := <-updates:
		t.Fatalf("unexpected notification: %+v", info)
	default:
	}
}

// TestSnapshotStoreConcurrentReaders hammers the store with readers during
// a stream of publishes. Every observed snapshot must be internally
// consistent: the serial encodes how many VRPs the snapshot carries.
func TestSnapshotStoreConcurrentReaders(t *testing.T) {
	const publishes = 200
	store := control.NewSnapshotStore()

	snapshotAt := func(serial uint32) *vrp.Snapshot {
		vrps := make([]vrp.VRP, 0, serial)
		for i := uint32(0); i < serial; i++ {
			vrps = append(vrps, mkVRP(fmt.Sprintf("10.%d.%d.0/24", i/256, i%256), 24, 65001))
		}
		return vrp.NewSnapshot(serial, 7, vrps)
	}
	store.Publish(snapshotAt(1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := store.Current()
				if s == nil {
					t.Error("snapshot disappeared mid-run")
					return
				}
				if uint32(s.Len()) != s.Serial() {
					t.Errorf("torn snapshot: serial %d with %d vrps",
						s.Serial(), s.Len())
					return
				}
				if s.Serial() > 0 {
					if got := s.Lookup(netip.MustParsePrefix("10.0.0.0/24")); len(got) != 1 {
						t.Errorf("lookup on serial %d: got %d covering", s.Serial(), len(got))
						return
					}
				}
			}
		}()
	}
	for serial := uint32(2); serial <= publishes; serial++ {
		store.Publish(snapshotAt(serial))
	}
	close(stop)
	wg.Wait()
}
