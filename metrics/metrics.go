package metrics

import vm "github.com/VictoriaMetrics/metrics"

var (
	roundsCompleted    = vm.NewCounter(`secagg_rounds_completed_total`)
	roundsAborted      = vm.NewCounter(`secagg_rounds_aborted_total`)
	maskedUpdates      = vm.NewCounter(`secagg_masked_updates_total`)
	seedSharesRelayed  = vm.NewCounter(`secagg_seed_shares_relayed_total`)
	dropoutRecoveries  = vm.NewCounter(`secagg_dropout_recoveries_total`)
	registrations      = vm.NewCounter(`secagg_service_registrations_total`)
	unmaskDurationSecs = vm.NewSummary(`secagg_unmask_duration_seconds`)
)

func IncRoundsCompleted()   { roundsCompleted.Inc() }
func IncRoundsAborted()     { roundsAborted.Inc() }
func IncMaskedUpdates()     { maskedUpdates.Inc() }
func IncSeedSharesRelayed() { seedSharesRelayed.Inc() }
func IncDropoutRecoveries() { dropoutRecoveries.Inc() }
func IncRegistrations()     { registrations.Inc() }

// ObserveUnmaskDuration records how long unmasking and recovery took, in seconds.
func ObserveUnmaskDuration(seconds float64) { unmaskDurationSecs.Update(seconds) }
