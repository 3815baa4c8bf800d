package async

import (
	"sync"

	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmutils"
)

var (
	numAsyncJobWorkersRunning sync.WaitGroup
)

// AsyncCallback is called with the result of an async routine, on the
// worker goroutine of the job's group.
type AsyncCallback func(res interface{}, err error)

func (ac AsyncCallback) callback(res interface{}, err error) {
	if ac != nil {
		ac(res, err)
	}
}

// AsyncRoutine is the work body of an async job.
type AsyncRoutine func() (res interface{}, err error)

// AsyncJobWorker runs the jobs of one group in submission order.
type AsyncJobWorker struct {
	jobQueue chan asyncJobItem
}

type asyncJobItem struct {
	routine  AsyncRoutine
	callback AsyncCallback
}

func newAsyncJobWorker() *AsyncJobWorker {
	ajw := &AsyncJobWorker{
		jobQueue: make(chan asyncJobItem, consts.ASYNC_JOB_QUEUE_MAXLEN),
	}
	numAsyncJobWorkersRunning.Add(1)
	go ajw.loop()
	return ajw
}

func (ajw *AsyncJobWorker) appendJob(routine AsyncRoutine, callback AsyncCallback) {
	ajw.jobQueue <- asyncJobItem{routine, callback}
}

func (ajw *AsyncJobWorker) loop() {
	for item := range ajw.jobQueue {
		item := item
		gmutils.RunPanicless(func() {
			res, err := item.routine()
			item.callback.callback(res, err)
		})
	}
	numAsyncJobWorkersRunning.Done()
}

var (
	asyncJobWorkersLock sync.RWMutex
	asyncJobWorkers     = map[string]*AsyncJobWorker{}
)

func getAsyncJobWorker(group string) (ajw *AsyncJobWorker) {
	asyncJobWorkersLock.RLock()
	ajw = asyncJobWorkers[group]
	asyncJobWorkersLock.RUnlock()

	if ajw == nil {
		asyncJobWorkersLock.Lock()
		ajw = asyncJobWorkers[group]
		if ajw == nil {
			ajw = newAsyncJobWorker()
			asyncJobWorkers[group] = ajw
		}
		asyncJobWorkersLock.Unlock()
	}
	return
}

// AppendAsyncJob queues routine on the worker of group, creating the
// worker on first use. Jobs of one group never run concurrently.
func AppendAsyncJob(group string, routine AsyncRoutine, callback AsyncCallback) {
	ajw := getAsyncJobWorker(group)
	ajw.appendJob(routine, callback)
}

// Shutdown closes all job queues and waits for queued jobs to finish.
func Shutdown() {
	asyncJobWorkersLock.Lock()
	for _, ajw := range asyncJobWorkers {
		close(ajw.jobQueue)
	}
	asyncJobWorkers = map[string]*AsyncJobWorker{}
	asyncJobWorkersLock.Unlock()

	numAsyncJobWorkersRunning.Wait()
}
