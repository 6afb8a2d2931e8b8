// Package version хранит сведения о сборке, заданные через -ldflags:
//
//	-X github.com/vladislavdragonenkov/inventory/internal/version.version=v1.2.0
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ServiceName — имя сервиса в логах, трейсах и health.
const ServiceName = "inventory-service"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func GetCommit() string { return commit }

func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", ServiceName, version, commit, date)
}

// Fields — поля сборки для стартового лога.
func Fields() log.Fields {
	return log.Fields{"service": ServiceName, "version": version, "commit": commit, "build_date": date}
}
