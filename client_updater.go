package picolog

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest picolog state to any subscribed GUI or logging client.

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port.
// Tag is the message topic ("STATUS", "ALERT", "SNAPSHOT", ...); State is
// any JSON-serializable payload.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// StatusMessage is the payload for plain human-readable status lines.
// These are advisory; clients should rely on SessionStats for anything
// they need to act on.
type StatusMessage struct {
	Text string
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket. The topic frame is the update's tag; the body is JSON.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		log.Printf("could not create status PUB socket: %v\n", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		log.Printf("could not bind status PUB socket to %s: %v\n", hostname, err)
		return
	}
	pubSocket.SetLinger(100 * time.Millisecond)

	for {
		select {
		case <-abort:
			return
		case update, ok := <-messages:
			if !ok {
				return
			}
			body, err := json.Marshal(update.State)
			if err != nil {
				ProblemLogger.Printf("cannot marshal %s update: %v\n", update.Tag, err)
				continue
			}
			if _, err := pubSocket.Send(update.Tag, zmq.SNDMORE); err != nil {
				continue
			}
			pubSocket.SendBytes(body, 0)
		}
	}
}
