// Package domain holds the GORM row types shared across the orchestration
// core: Task, Execution, Job, Schedule, Worker (in-memory only) and
// DeliveryRecord. Each type owns its own file and its own TableName.
package domain
