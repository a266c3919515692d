package controlstream

import (
	"slices"

	"github.com/ChuLiYu/epoch-barrier/internal/rpc"
	"github.com/ChuLiYu/epoch-barrier/pkg/types"
)

// DatabaseGraphs is what a worker must prepare for one database when it
// (re)connects: the steady-state graph with its change-log subscriptions and
// one graph per creating job.
type DatabaseGraphs struct {
	DatabaseID    types.DatabaseID
	Subscriptions []types.SubscriptionUpstreamInfo
	CreatingJobs  []types.JobID
}

// BuildInitRequest assembles the Init message of a term.
func BuildInitRequest(termID string, dbs []DatabaseGraphs) *rpc.InitRequest {
	req := &rpc.InitRequest{TermID: termID}
	for _, db := range dbs {
		graphs := []rpc.InitialPartialGraph{{
			PartialGraphID: types.SteadyStateGraph,
			Subscriptions:  db.Subscriptions,
		}}
		jobs := slices.Clone(db.CreatingJobs)
		slices.Sort(jobs)
		for _, job := range jobs {
			graphs = append(graphs, rpc.InitialPartialGraph{PartialGraphID: types.PartialGraphOf(job)})
		}
		req.Databases = append(req.Databases, rpc.DatabaseInitialPartialGraph{
			DatabaseID: db.DatabaseID,
			Graphs:     graphs,
		})
	}
	return req
}
