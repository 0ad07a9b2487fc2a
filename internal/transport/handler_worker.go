package transport

import (
	"net/http"

	"github.com/korir254/flowgate/internal/worker"
)

func handleWorkerStatus(p *worker.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, p.Status())
	}
}
