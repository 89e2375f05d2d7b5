// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transmitter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/srft/pkg/channel"
	"github.com/dtn7/srft/pkg/source"
	"github.com/dtn7/srft/pkg/wire"
)

func newTestServer(t *testing.T, mn *channel.MemoryNetwork, files source.MemorySource, peerIdle time.Duration) *Server {
	ch, err := mn.Listen("server")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	serv := NewServer(ch, newTestTransmitter(t, files, Config{ChunkSize: 100}), peerIdle)
	serv.Start()
	return serv
}

// fetchAll sends a FETCH and collects all packets up to the END.
func fetchAll(ch channel.Channel, name string) ([]wire.Packet, error) {
	data, err := wire.Bytes(wire.NewFetchRequest(testSession, name, false))
	if err != nil {
		return nil, err
	}
	if err := ch.Send(data, channel.MemoryAddr("server")); err != nil {
		return nil, err
	}

	var packets []wire.Packet
	for {
		data, _, err := ch.Receive(context.Background(), time.Second)
		if err != nil {
			return packets, err
		}

		pkt, err := wire.ParsePacket(data)
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)

		switch pkt.(type) {
		case *wire.EndPacket, *wire.RejectPacket:
			return packets, nil
		}
	}
}

func TestServerConcurrentPeers(t *testing.T) {
	mn := channel.NewMemoryNetwork()
	files := source.MemorySource{
		"a": randomData(t, 1000),
		"b": randomData(t, 2500),
	}
	serv := newTestServer(t, mn, files, time.Second)
	defer serv.Close()

	const peers = 8

	var wg sync.WaitGroup
	errs := make(chan error, peers)

	for i := 0; i < peers; i++ {
		ch, err := mn.Listen(fmt.Sprintf("client-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		defer ch.Close()

		name, expected := "a", 10
		if i%2 == 1 {
			name, expected = "b", 25
		}

		wg.Add(1)
		go func(ch channel.Channel, name string, expected int) {
			defer wg.Done()

			packets, err := fetchAll(ch, name)
			if err != nil {
				errs <- err
				return
			}

			if l := len(packets); l != expected+2 {
				errs <- fmt.Errorf("%v received %d packets for %q", ch.LocalAddr(), l, name)
				return
			}
			for i, pkt := range packets[1 : len(packets)-1] {
				if dp, isDp := pkt.(*wire.DataPacket); !isDp || dp.Chunk.Index != uint32(i) {
					errs <- fmt.Errorf("%v received %v at position %d", ch.LocalAddr(), pkt, i)
					return
				}
			}
		}(ch, name, expected)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
}

func TestServerNotFound(t *testing.T) {
	mn := channel.NewMemoryNetwork()
	serv := newTestServer(t, mn, source.MemorySource{}, time.Second)
	defer serv.Close()

	ch, err := mn.Listen("client")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	packets, err := fetchAll(ch, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if rp, isRp := packets[0].(*wire.RejectPacket); !isRp || rp.Code != wire.NOT_FOUND {
		t.Fatalf("Expected NOT_FOUND, got %v", packets)
	}
}

func TestServerIdlePeer(t *testing.T) {
	mn := channel.NewMemoryNetwork()
	serv := newTestServer(t, mn, source.MemorySource{"a": randomData(t, 10)}, 100*time.Millisecond)
	defer serv.Close()

	ch, err := mn.Listen("client")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if _, err := fetchAll(ch, "a"); err != nil {
		t.Fatal(err)
	}
	if n := serv.Peers(); n != 1 {
		t.Fatalf("Server has %d peers after a request", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for serv.Peers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Idle peer's worker did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A returning peer gets a new worker.
	if _, err := fetchAll(ch, "a"); err != nil {
		t.Fatal(err)
	}
}

func TestServerClose(t *testing.T) {
	mn := channel.NewMemoryNetwork()
	serv := newTestServer(t, mn, source.MemorySource{}, time.Second)

	done := make(chan struct{})
	go func() {
		_ = serv.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Closing the server timed out")
	}
}

func TestServerCloseUnstarted(t *testing.T) {
	mn := channel.NewMemoryNetwork()
	ch, err := mn.Listen("server")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	serv := NewServer(ch, newTestTransmitter(t, source.MemorySource{}, Config{}), time.Second)

	done := make(chan struct{})
	go func() {
		_ = serv.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Closing a server which was never started timed out")
	}
}
