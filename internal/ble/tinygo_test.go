package ble

import "testing"

func TestConnectionDisconnectBeforeCallbackRegistered(t *testing.T) {
	conn := &tinygoConnection{}
	conn.peerDisconnected()

	fired := false
	conn.OnDisconnect(func() { fired = true })
	if !fired {
		t.Error("disconnect that preceded registration was not delivered")
	}
}

func TestConnectionDisconnectDeliveredOnce(t *testing.T) {
	conn := &tinygoConnection{}
	fired := 0
	conn.OnDisconnect(func() { fired++ })

	conn.peerDisconnected()
	conn.peerDisconnected()
	if fired != 1 {
		t.Errorf("disconnect callback fired %d times, want 1", fired)
	}
}
