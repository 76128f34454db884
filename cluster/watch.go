package cluster

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xypriss/xypriss/log"
)

const defaultWatchDebounce = 300 * time.Millisecond

// Watcher debounces filesystem change bursts into rolling restarts.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	restart  func()

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// StartWatcher watches paths and invokes restart after each debounced
// change burst.
func StartWatcher(paths []string, debounce time.Duration, restart func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		restart:  restart,
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("file change detected: %s", ev)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher: %s", err)
		case <-timerC:
			timer = nil
			timerC = nil
			log.Infof("file changes settled; rolling restart")
			w.restart()
		}
	}
}
