package poller

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{
		ResponseWriter: resp,
		logger:         logger,
	}
}

// WriteStr writes a string to the http response write.
// If an error happens, it is logged with info priority and false is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HTTPHandlerList writes the queued pull requests as plain text.
func (p *Poller) HTTPHandlerList(respWr http.ResponseWriter, _ *http.Request) {
	var result strings.Builder

	resp := newHTTPRespWriter(p.logger, respWr)
	resp.Header().Add("Content-Type", "text/plain")

	p.queueLock.Lock()
	defer p.queueLock.Unlock()

	if p.lastCycle != nil {
		result.WriteString(fmt.Sprintf("Source: %s, last cycle %s\n", p.source, p.lastCycle))
	}

	if p.queue.Len() == 0 {
		result.WriteString("no pull-requests queued\n")
		resp.WriteStr(result.String())
		return
	}

	var i int
	p.queue.Foreach(func(_ string, e *entry) bool {
		result.WriteString(fmt.Sprintf(
			"\t#%-4d PR: %s\tAdded: %s\t%s\n",
			i, e.pr, e.enqueuedAt.Format(time.RFC822), e.status(),
		))
		i++
		return true
	})

	resp.WriteStr(result.String())
}

func (e *entry) status() string {
	switch {
	case !e.processed():
		return "pending"
	case e.lastErr != nil:
		return "failed: " + strings.SplitN(e.lastErr.Error(), "\n", 2)[0]
	default:
		return "published"
	}
}
