package api

import (
	"testing"
)

func FuzzParseRequest(f *testing.F) {
	f.Add([]byte(CmdSendMessage), []byte(`{"address":"10.0.0.2","port":4001,"data":"hi"}`))
	f.Add([]byte(CmdPeers), []byte(``))
	f.Add([]byte(""), []byte(`{"data":`))
	f.Add([]byte(CmdPublish), []byte(`{"channel":"x","data":[1,2,3]}`))

	b := NewBridge(newFakeCommander(), DefaultBridgeConfig(), nil, nil)

	f.Fuzz(func(t *testing.T, command, body []byte) {
		frames := [][]byte{command, body}
		_, _, _ = ParseRequest(frames)

		reply := b.Handle(frames)
		if len(reply) < 2 {
			t.Fatalf("reply has %d frames", len(reply))
		}
		if string(reply[0]) != string(command) {
			t.Fatalf("reply command %q, want %q", reply[0], command)
		}
	})
}
