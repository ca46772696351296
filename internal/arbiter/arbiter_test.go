package arbiter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

// txLog records transport operations in the order they happen.
type txLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *txLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *txLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func TestParseAndResolve(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyAuto, false},
		{"auto", PolicyAuto, false},
		{"flag", PolicyFlag, false},
		{"shared_bus", PolicySharedBus, false},
		{"round_robin", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("%q: expected (%s, err=%v), got (%s, %v)", tt.in, tt.want, tt.wantErr, got, err)
		}
	}

	tcp := &domain.Machine{Transport: domain.Transport{Kind: domain.TransportTCP}}
	rtu := &domain.Machine{Transport: domain.Transport{Kind: domain.TransportSerial}}
	if got := Resolve(PolicyAuto, []*domain.Machine{tcp}); got != PolicyFlag {
		t.Errorf("expected flag for tcp only, got %s", got)
	}
	if got := Resolve(PolicyAuto, []*domain.Machine{tcp, rtu}); got != PolicySharedBus {
		t.Errorf("expected shared_bus with a serial machine, got %s", got)
	}
	if got := Resolve(PolicyFlag, []*domain.Machine{rtu}); got != PolicyFlag {
		t.Errorf("explicit policy must win, got %s", got)
	}
	if _, err := New(PolicyAuto, Options{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unresolved policy, got %v", err)
	}
}

func TestFlagArbiter_WritePausesEveryPoller(t *testing.T) {
	a, _ := New(PolicyFlag, Options{})

	inWrite := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = a.Write(1, func() error {
			close(inWrite)
			<-release
			return nil
		})
		close(done)
	}()
	<-inWrite

	for _, id := range []int{1, 2, 3} {
		if a.BeginCycle(id) {
			t.Errorf("machine %d: expected cycle to be skipped during a write", id)
			a.EndCycle(id)
		}
	}
	if a.Stats().ActiveWrites != 1 {
		t.Errorf("expected one active write, got %d", a.Stats().ActiveWrites)
	}

	close(release)
	<-done

	if !a.BeginCycle(2) {
		t.Fatal("expected cycle granted after the write")
	}
	a.EndCycle(2)

	st := a.Stats()
	if st.CyclesSkipped != 3 || st.CyclesGranted != 1 || st.Writes != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFlagArbiter_WriterWaitsForCycle(t *testing.T) {
	a, _ := New(PolicyFlag, Options{})
	log := &txLog{}

	if !a.BeginCycle(7) {
		t.Fatal("expected cycle")
	}
	written := make(chan struct{})
	go func() {
		_ = a.Write(7, func() error {
			log.add("write")
			return nil
		})
		close(written)
	}()

	time.Sleep(20 * time.Millisecond)
	log.add("read")
	a.EndCycle(7)
	<-written

	ops := log.snapshot()
	if len(ops) != 2 || ops[0] != "read" || ops[1] != "write" {
		t.Errorf("writer entered the machine during a cycle: %v", ops)
	}
}

func TestSharedBusArbiter_SerialisesTransactions(t *testing.T) {
	a, _ := New(PolicySharedBus, Options{ReadGap: 10 * time.Millisecond})
	if a.ReadGap() != 10*time.Millisecond {
		t.Errorf("unexpected read gap %v", a.ReadGap())
	}

	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = a.Transaction(func() error {
					mu.Lock()
					inFlight++
					if inFlight > maxInFlight {
						maxInFlight = inFlight
					}
					mu.Unlock()
					time.Sleep(100 * time.Microsecond)
					mu.Lock()
					inFlight--
					mu.Unlock()
					return nil
				})
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("expected at most one transaction on the bus, saw %d", maxInFlight)
	}
	if a.Stats().Transactions != 160 {
		t.Errorf("expected 160 transactions, got %d", a.Stats().Transactions)
	}
}

// TestWritePairsNeverInterleave runs a simulated poller and writer against
// one machine and checks that no read lands between a data write and its
// status write.
func TestWritePairsNeverInterleave(t *testing.T) {
	tests := []struct {
		policy   Policy
		machines []int
	}{
		// with one link per machine only the machine's own poller matters
		{PolicyFlag, []int{1}},
		// on a shared line a neighbour's reads must not split the pair either
		{PolicySharedBus, []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			a, _ := New(tt.policy, Options{})
			log := &txLog{}
			stop := make(chan struct{})
			var wg sync.WaitGroup

			for _, id := range tt.machines {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
						}
						if !a.BeginCycle(id) {
							time.Sleep(time.Millisecond)
							continue
						}
						for r := 0; r < 3; r++ {
							_ = a.Transaction(func() error {
								log.add("read")
								return nil
							})
						}
						a.EndCycle(id)
					}
				}(id)
			}

			for cmd := 0; cmd < 30; cmd++ {
				_ = a.Write(1, func() error {
					for slot := 0; slot < 3; slot++ {
						_ = a.Pair(func() error {
							log.add("data")
							time.Sleep(50 * time.Microsecond)
							log.add("status")
							return nil
						})
					}
					return nil
				})
			}
			close(stop)
			wg.Wait()

			ops := log.snapshot()
			pairs := 0
			for i, op := range ops {
				if op != "data" {
					continue
				}
				pairs++
				if i+1 >= len(ops) || ops[i+1] != "status" {
					t.Fatalf("data write at %d not followed by its status write: %v", i, ops[i:min(i+4, len(ops))])
				}
			}
			if pairs != 90 {
				t.Errorf("expected 90 pairs, got %d", pairs)
			}
		})
	}
}
