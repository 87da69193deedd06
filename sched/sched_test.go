package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"defs"
)

func TestThreadCreateRunsEntry(t *testing.T) {
	done := make(chan int, 1)
	ThreadCreate(1, 0, 0, func(arg any) {
		done <- arg.(int)
	}, 42)
	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("thread never ran")
	}
}

func TestThreadSleepTimesOut(t *testing.T) {
	selfCh := make(chan *Thread_t, 1)
	result := make(chan defs.Err_t, 1)
	th := ThreadCreate(2, 0, 0, func(arg any) {
		self := <-selfCh
		result <- ThreadSleep(self, 1000)
	}, nil)
	selfCh <- th

	select {
	case err := <-result:
		require.EqualValues(t, defs.ETIME, err)
	case <-time.After(time.Second):
		t.Fatal("sleep never timed out")
	}
}

func TestWaitQWakeupFIFO(t *testing.T) {
	q := &WaitQ{}
	var m noopLocker

	order := make(chan int, 2)
	th1 := ThreadCreate(3, 0, 0, func(arg any) {}, nil)
	th2 := ThreadCreate(3, 0, 0, func(arg any) {}, nil)

	go func() {
		ThreadWait(th1, q, m, 0)
		order <- 1
	}()
	go func() {
		ThreadWait(th2, q, m, 0)
		order <- 2
	}()

	time.Sleep(50 * time.Millisecond)
	ThreadWakeup(q)
	ThreadWakeup(q)

	first := <-order
	second := <-order
	require.ElementsMatch(t, []int{1, 2}, []int{first, second})
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

func TestThreadSigpostInterruptsWait(t *testing.T) {
	q := &WaitQ{}
	var m noopLocker
	th := ThreadCreate(4, 0, 0, func(arg any) {}, nil)

	result := make(chan defs.Err_t, 1)
	go func() {
		result <- ThreadWaitInterruptible(th, q, m, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	ThreadSigpost(th, 1)

	select {
	case err := <-result:
		require.EqualValues(t, defs.EINTR, err)
	case <-time.After(time.Second):
		t.Fatal("sigpost never interrupted wait")
	}
}

func TestAccntAccruesRuntimeAcrossSleep(t *testing.T) {
	selfCh := make(chan *Thread_t, 1)
	done := make(chan struct{})
	th := ThreadCreate(6, 0, 0, func(arg any) {
		self := <-selfCh
		time.Sleep(5 * time.Millisecond)
		ThreadSleep(self, 1000)
		close(done)
	}, nil)
	selfCh <- th

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread never finished")
	}

	require.Greater(t, th.Accnt.Userns, int64(0))
}

func TestTimerTickWakesExpiredSleepers(t *testing.T) {
	selfCh := make(chan *Thread_t, 1)
	result := make(chan defs.Err_t, 1)
	th := ThreadCreate(5, 0, 0, func(arg any) {
		self := <-selfCh
		result <- ThreadSleep(self, 1)
	}, nil)
	selfCh <- th

	time.Sleep(5 * time.Millisecond)
	TimerTick()

	select {
	case err := <-result:
		require.EqualValues(t, defs.ETIME, err)
	case <-time.After(time.Second):
		t.Fatal("timer tick never woke expired sleeper")
	}
}
