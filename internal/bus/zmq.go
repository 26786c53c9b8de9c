package bus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/logs"
)

// ZMQConfig holds ZeroMQ endpoints and reconnect settings.
// Frames are [topic, payload] in both directions.
type ZMQConfig struct {
	SubEndpoint string // devices publish here, we SUB
	PubEndpoint string // devices SUB here, we PUB
	SendBuffer  int

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultZMQConfig returns default ZeroMQ settings
func DefaultZMQConfig() ZMQConfig {
	return ZMQConfig{
		SubEndpoint:       "tcp://localhost:5556",
		PubEndpoint:       "tcp://localhost:5557",
		SendBuffer:        100,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     time.Minute,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

type zmqFrame struct {
	topic   string
	payload []byte
}

// ZMQTransport is a Transport over ZeroMQ PUB/SUB sockets
type ZMQTransport struct {
	config   ZMQConfig
	log      *logrus.Entry
	sendChan chan zmqFrame
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewZMQTransport creates a ZeroMQ transport
func NewZMQTransport(config ZMQConfig) *ZMQTransport {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 100
	}
	return &ZMQTransport{
		config:   config,
		log:      logs.Component("zmq"),
		sendChan: make(chan zmqFrame, config.SendBuffer),
	}
}

// Connect starts the subscribe and publish loops. Both sockets reconnect with
// exponential backoff.
func (t *ZMQTransport) Connect(ctx context.Context, topics []string, h MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("zmq transport already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	t.wg.Add(2)
	go t.subscribeLoop(ctx, topics, h)
	go t.publishLoop(ctx)

	t.log.WithFields(logrus.Fields{
		"sub": t.config.SubEndpoint,
		"pub": t.config.PubEndpoint,
	}).Info("ZeroMQ transport started")
	return nil
}

// Publish queues a frame for the publish loop. A full queue drops the frame.
func (t *ZMQTransport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return fmt.Errorf("zmq transport not running")
	}

	select {
	case t.sendChan <- zmqFrame{topic: topic, payload: payload}:
		return nil
	default:
		t.log.WithField("topic", topic).Warn("Send queue full, dropping message")
		return nil
	}
}

// Close stops both loops and closes the sockets
func (t *ZMQTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	t.log.Info("ZeroMQ transport stopped")
	return nil
}

func (t *ZMQTransport) subscribeLoop(ctx context.Context, topics []string, h MessageHandler) {
	defer t.wg.Done()

	delay := t.config.InitialRetryDelay
	for ctx.Err() == nil {
		sock := zmq4.NewSub(ctx)
		if err := t.dialSub(sock, topics); err != nil {
			t.log.Warnf("Failed to connect subscriber: %v", err)
			sock.Close()
			t.waitWithBackoff(ctx, &delay)
			continue
		}

		delay = t.config.InitialRetryDelay
		t.receive(ctx, sock, h)
		sock.Close()

		if ctx.Err() == nil {
			t.log.Warn("Subscriber disconnected, reconnecting...")
			t.waitWithBackoff(ctx, &delay)
		}
	}
}

func (t *ZMQTransport) dialSub(sock zmq4.Socket, topics []string) error {
	if err := sock.Dial(t.config.SubEndpoint); err != nil {
		return fmt.Errorf("dial %s: %w", t.config.SubEndpoint, err)
	}
	for _, topic := range topics {
		if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// receive reads until the socket fails or ctx is cancelled
func (t *ZMQTransport) receive(ctx context.Context, sock zmq4.Socket, h MessageHandler) {
	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warnf("Receive failed: %v", err)
			}
			return
		}
		if len(msg.Frames) < 2 {
			t.log.Debugf("Ignoring message with %d frames", len(msg.Frames))
			continue
		}
		h(string(msg.Frames[0]), msg.Frames[1])
	}
}

// publishLoop keeps a PUB socket dialed for the lifetime of the transport.
// Peers only receive frames once their subscriptions have reached the socket,
// so it is connected before anything is dequeued.
func (t *ZMQTransport) publishLoop(ctx context.Context) {
	defer t.wg.Done()

	delay := t.config.InitialRetryDelay
	for ctx.Err() == nil {
		sock := zmq4.NewPub(ctx)
		if err := sock.Dial(t.config.PubEndpoint); err != nil {
			t.log.Warnf("Failed to connect publisher: %v", err)
			sock.Close()
			t.waitWithBackoff(ctx, &delay)
			continue
		}

		delay = t.config.InitialRetryDelay
		t.send(ctx, sock)
		sock.Close()

		if ctx.Err() == nil {
			t.log.Warn("Publisher disconnected, reconnecting...")
			t.waitWithBackoff(ctx, &delay)
		}
	}
}

// send writes queued frames until a send fails or ctx is cancelled
func (t *ZMQTransport) send(ctx context.Context, sock zmq4.Socket) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.sendChan:
			msg := zmq4.NewMsgFrom([]byte(frame.topic), frame.payload)
			if err := sock.Send(msg); err != nil {
				t.log.WithField("topic", frame.topic).Errorf("Publish failed: %v", err)
				return
			}
		}
	}
}

// waitWithBackoff waits for *delay with jitter and advances it
func (t *ZMQTransport) waitWithBackoff(ctx context.Context, delay *time.Duration) {
	wait := *delay
	*delay = nextRetryDelay(wait, t.config.BackoffMultiplier, t.config.MaxRetryDelay)

	jitter := wait.Seconds() * t.config.JitterPercent * (rand.Float64()*2 - 1)
	wait += time.Duration(jitter * float64(time.Second))

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func nextRetryDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		next = max
	}
	return next
}
