// Copyright 2024 ServoWorker authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"github.com/armbotics/ServoWorker/pkg/metrics"
)

const (
	subSystem = "bridge"
)

var (
	// Total number of completed I2C transactions
	i2cTransactionsTotal = metrics.MustRegisterCounterVec(subSystem,
		"i2c_transactions_total",
		"Total number of completed I2C transactions",
		"address")
	// Total number of failed I2C transactions
	i2cTransactionErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"i2c_transaction_errors_total",
		"Total number of failed I2C transactions",
		"address")
	// Total number of completed gpio utility invocations
	commanderRunsTotal = metrics.MustRegisterCounter(subSystem,
		"commander_runs_total",
		"Total number of completed gpio utility invocations")
	// Total number of failed gpio utility invocations
	commanderRunErrorsTotal = metrics.MustRegisterCounter(subSystem,
		"commander_run_errors_total",
		"Total number of failed gpio utility invocations")
)
