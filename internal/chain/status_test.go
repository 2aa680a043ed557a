package chain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		raw   string
		kind  StatusKind
		block string
	}{
		{`"future"`, StatusFuture, ""},
		{`"ready"`, StatusReady, ""},
		{`"dropped"`, StatusDropped, ""},
		{`"invalid"`, StatusInvalid, ""},
		{`{"broadcast":["12D3KooW"]}`, StatusBroadcast, ""},
		{`{"inBlock":"0xaa"}`, StatusInBlock, "0xaa"},
		{`{"retracted":"0xbb"}`, StatusRetracted, "0xbb"},
		{`{"finalityTimeout":"0xcc"}`, StatusFinalityTimeout, "0xcc"},
		{`{"usurped":"0xdd"}`, StatusUsurped, "0xdd"},
		{`{"finalized":"0xee"}`, StatusFinalized, "0xee"},
	}
	for _, tc := range cases {
		update, err := parseStatus(json.RawMessage(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, update.Kind, tc.raw)
		assert.Equal(t, tc.block, update.BlockHash, tc.raw)
	}
}

func TestParseFinalizedWithEvents(t *testing.T) {
	raw := `{"finalized":{"block":"0xff","events":[
		{"section":"balances","method":"Transfer","data":["5Grw","5FHn","1000"]},
		{"section":"system","method":"ExtrinsicSuccess","data":[{"weight":1}]}
	]}}`

	update, err := parseStatus(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, update.Kind)
	assert.Equal(t, "0xff", update.BlockHash)
	require.Len(t, update.Events, 2)
	assert.True(t, update.Events[1].Is("system", "ExtrinsicSuccess"))
}

func TestParseStatusRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`"pending"`, `{"inBlock":1}`, `{"a":"1","b":"2"}`, `{"nope":"0x"}`, `42`} {
		_, err := parseStatus(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestTerminalKinds(t *testing.T) {
	terminal := []StatusKind{StatusFinalized, StatusDropped, StatusInvalid, StatusRetracted, StatusUsurped, StatusFinalityTimeout}
	for _, kind := range terminal {
		assert.True(t, kind.IsTerminal(), kind)
	}
	for _, kind := range []StatusKind{StatusFuture, StatusReady, StatusBroadcast, StatusInBlock} {
		assert.False(t, kind.IsTerminal(), kind)
	}
}

func TestEventResultIsError(t *testing.T) {
	ok := Event{Section: "proxy", Method: "ProxyExecuted", Data: []json.RawMessage{json.RawMessage(`{"ok":null}`)}}
	failed := Event{Section: "proxy", Method: "ProxyExecuted", Data: []json.RawMessage{json.RawMessage(`{"err":{"module":{"index":5,"error":"0x02000000"}}}`)}}
	flagged := Event{Section: "proxy", Method: "ProxyExecuted", Data: []json.RawMessage{json.RawMessage(`{"isError":true}`)}}
	empty := Event{Section: "proxy", Method: "ProxyExecuted"}

	assert.False(t, ok.ResultIsError())
	assert.True(t, failed.ResultIsError())
	assert.True(t, flagged.ResultIsError())
	assert.False(t, empty.ResultIsError())
}

func TestEventResultNullErrIsNotAnError(t *testing.T) {
	for _, data := range []string{`{"ok":null,"err":null}`, `{"ok":[],"err":null}`, `{"err":null,"isError":false}`} {
		e := Event{Section: "proxy", Method: "ProxyExecuted", Data: []json.RawMessage{json.RawMessage(data)}}
		assert.False(t, e.ResultIsError(), data)
	}
}

func TestEventIsComparesSectionCaseInsensitively(t *testing.T) {
	e := Event{Section: "System", Method: "ExtrinsicFailed"}
	assert.True(t, e.Is("system", "ExtrinsicFailed"))
	assert.False(t, e.Is("system", "extrinsicfailed"))
}
