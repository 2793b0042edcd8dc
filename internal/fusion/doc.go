// Package fusion implements graph-rewrite passes that collapse exported
// operator subgraphs into their fused com.microsoft equivalents.
//
// Every pass follows the same discipline: scan a snapshot of the node list
// for anchor ops, walk the expected pattern backward through the producer
// index, validate every precondition before staging anything, and commit
// the whole batch at the end of the scan. A candidate that fails any check
// stages nothing, so a pass either rewrites a subgraph completely or
// leaves it completely alone.
package fusion
