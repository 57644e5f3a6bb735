// Package places defines the core types, collaborator interfaces, and error
// taxonomy shared by the saved-places enrichment pipeline: the source parser,
// checkpoint store, resolver, detail scraper, coordinator, and orchestrator.
package places
