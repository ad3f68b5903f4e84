package modem_test

import (
	"io"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/wifigw/modem"
)

// MockSequenceBuilder scripts the chip side of a MockTransport. Writes are
// expected in the order they are added; each one queues its reply, which the
// pump then picks up through Reads.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan string, 16),
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) expect(cmd, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).DoAndReturn(func(p []byte) (int, error) {
			b.replies <- reply
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.expect("AT\r\n", "AT\r\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.expect("ATE0\r\n", "ATE0\r\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Multiplexing() *MockSequenceBuilder {
	return b.expect("AT+CIPMUX=1\r\n", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SingleConnection() *MockSequenceBuilder {
	return b.expect("AT+CIPMUX=0\r\n", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) StationAP() *MockSequenceBuilder {
	return b.expect("AT+CWMODE_CUR=3\r\n", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Rejected(cmd string) *MockSequenceBuilder {
	return b.expect(cmd+"\r\n", "\r\nERROR\r\n")
}

// Reads serves the queued replies until done is closed, then reports EOF.
func (b *MockSequenceBuilder) Reads(done <-chan struct{}) *gomock.Call {
	return b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		select {
		case r := <-b.replies:
			return copy(p, r), nil
		case <-done:
			return 0, io.EOF
		}
	}).AnyTimes()
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
