// Package stat reads the upstream media server's statistics document and
// reduces it to one Snapshot per monitored source.
//
// The nginx-rtmp stat module has shipped several XML shapes over the years.
// Source identification and publisher detection are therefore modelled as
// ordered strategy lists (Layout and PublisherRule); the first strategy that
// recognises the document wins. Supporting a new shape means appending a
// strategy, not nesting another fallback.
//
// Fetch failures of any kind (transport, status code, malformed document)
// surface as ErrStatUnavailable so callers can treat the tick as unknown
// instead of reading every source as dead.
package stat
