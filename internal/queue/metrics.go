package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queuedMsgs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kannader",
		Subsystem: "queue",
		Name:      "enqueued_msgs",
		Help:      "Amount of messages accepted into the queue",
	})
	attemptedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kannader",
		Subsystem: "queue",
		Name:      "attempted_deliveries",
		Help:      "Amount of delivery attempts made",
	})
	completedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kannader",
		Subsystem: "queue",
		Name:      "completed_deliveries",
		Help:      "Amount of entries that were successfully relayed",
	})
	generatedBounces = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kannader",
		Subsystem: "queue",
		Name:      "generated_bounces",
		Help:      "Amount of bounce messages generated for failed entries",
	})
)

func init() {
	prometheus.MustRegister(queuedMsgs)
	prometheus.MustRegister(attemptedDeliveries)
	prometheus.MustRegister(completedDeliveries)
	prometheus.MustRegister(generatedBounces)
}
