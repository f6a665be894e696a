package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegisterBuildInfo публикует orders_build_info со значением 1 и метками сборки.
func RegisterBuildInfo(registerer prometheus.Registerer, version, commit, goVersion string) {
	registerGaugeVec(registerer, prometheus.GaugeOpts{
		Name: "orders_build_info",
		Help: "Build metadata of the running order service; the value is always 1.",
	}, []string{"version", "commit", "go_version"}).WithLabelValues(version, commit, goVersion).Set(1)
}
