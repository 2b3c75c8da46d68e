package daemon

const (
	PriorityCloseDatabase = iota
	PriorityFlushToDatabase
	PriorityDatabaseHealth
	PriorityBalanceLedger
	PriorityHtlcSweep
	PriorityVirtualRouter
	PriorityIdentityDirectory
	PriorityMetricsUpdater
	PriorityPrometheus
	PriorityStatusReport
)
