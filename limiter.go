package main

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter je vstupní brána pro zápisy do DB. Kapacita omezuje, kolik
// persistencí běží najednou - příval zpráv z brokeru tak nevyčerpá
// connection pool. Čekání na volné místo probíhá v goroutině úlohy,
// příjmová smyčka MQTT se nikdy neblokuje.
type Limiter struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 5
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(capacity))}
}

// Go spustí fn jako samostatnou úlohu. Prvním krokem úlohy je získání
// místa v semaforu; Release běží přes defer, takže proběhne i když fn
// skončí chybou uvnitř. Zrušený ctx znamená shutdown - úloha, která se
// ještě nedostala na řadu, se zahodí. Po Stop se nové úlohy tiše zahazují.
func (l *Limiter) Go(ctx context.Context, fn func()) {
	// wg.Add musí běžet pod zámkem - paho handler může ještě doručovat
	// souběžně se Stop a wg.Add souběžně s Wait na nule je nedefinovaný.
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer l.sem.Release(1)
		fn()
	}()
}

// Drain zablokuje, dokud nedoběhnou všechny rozpracované úlohy.
// Bránu nezavírá - nové úlohy po něm dál projdou.
func (l *Limiter) Drain() {
	l.wg.Wait()
}

// Stop zavře bránu pro nové úlohy a počká, až doběhnou rozpracované.
// Volá se při shutdownu po odpojení od brokeru.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wg.Wait()
}
