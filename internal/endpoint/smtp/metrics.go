/*
Kannader - A pluggable, queue-first SMTP relay server.
Copyright © 2023-2026 Kannader contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	openedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kannader",
			Subsystem: "smtp",
			Name:      "opened_sessions",
			Help:      "Amount of accepted SMTP connections",
		},
	)
	closedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kannader",
			Subsystem: "smtp",
			Name:      "closed_sessions",
			Help:      "Amount of closed SMTP connections",
		},
	)
	startedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kannader",
			Subsystem: "smtp",
			Name:      "started_transactions",
			Help:      "Amount of SMTP transactions started",
		},
	)
	completedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kannader",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Amount of SMTP transactions that ended with an accepted message",
		},
	)
	abortedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kannader",
			Subsystem: "smtp",
			Name:      "aborted_transactions",
			Help:      "Amount of SMTP transactions aborted",
		},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kannader",
			Subsystem: "smtp",
			Name:      "failed_commands",
			Help:      "Commands rejected with a 4xx/5xx reply",
		},
		[]string{"smtp_code"},
	)
)

func init() {
	prometheus.MustRegister(openedSessions)
	prometheus.MustRegister(closedSessions)
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(abortedTransactions)
	prometheus.MustRegister(failedCmds)
}
