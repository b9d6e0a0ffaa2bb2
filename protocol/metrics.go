package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "goanalytics_statements_submitted_total",
	Help: "Number of statement submissions by outcome",
}, []string{"outcome"})

var rowsStreamedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "goanalytics_rows_streamed_total",
	Help: "Number of result rows streamed to consumers",
})
