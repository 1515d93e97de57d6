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

package serrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/originproto/rov/pkg/private/serrors"
)

func TestIsSelf(t *testing.T) {
	err := serrors.New("some error", "key", "value")
	assert.True(t, errors.Is(err, err))
}

func TestWrapMatchesCause(t *testing.T) {
	cause := serrors.New("cause")
	err := serrors.Wrap("wrapper", cause, "key", "value")
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(cause, err))
}

func TestJoinMatchesSentinelAndCause(t *testing.T) {
	sentinel := serrors.New("sentinel")
	cause := errors.New("cause")
	err := serrors.Join(sentinel, cause, "field", "length")
	assert.True(t, errors.Is(err, sentinel))
	assert.True(t, errors.Is(err, cause))

	noCause := serrors.Join(sentinel, nil, "field", "flags")
	assert.True(t, errors.Is(noCause, sentinel))
}

func TestErrorString(t *testing.T) {
	cause := errors.New("EOF")
	err := serrors.Wrap("reading PDU", cause, "type", 4, "field", "prefix")
	assert.Equal(t, "reading PDU {field=prefix; type=4}: EOF", err.Error())
}

func TestIsTimeout(t *testing.T) {
	assert.False(t, serrors.IsTimeout(serrors.New("no timeout")))
	assert.True(t, serrors.IsTimeout(serrors.Wrap("wrap", timeoutErr{})))
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timeout" }
func (timeoutErr) Timeout() bool { return true }
