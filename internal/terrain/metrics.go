package terrain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const terrainLabel = "terrain"

var (
	atlasResident = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veldt_atlas_slots_resident",
		Help: "The number of atlas slots currently holding a node.",
	}, []string{
		terrainLabel,
	})

	nodeLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veldt_node_loads_total",
		Help: "The number of node loads started.",
	}, []string{
		terrainLabel,
	})

	nodeLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veldt_node_load_failures_total",
		Help: "The number of attachment loads or uploads that failed.",
	}, []string{
		terrainLabel,
	})

	nodeEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veldt_node_evictions_total",
		Help: "The number of nodes evicted from the atlas.",
	}, []string{
		terrainLabel,
	})

	atlasExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veldt_atlas_exhaustions_total",
		Help: "The number of node requests rejected because no slot was evictable.",
	}, []string{
		terrainLabel,
	})
)
