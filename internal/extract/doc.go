// Package extract unpacks downloaded chain archives.
//
// An Extractor picks one Strategy per archive kind (zip, tar.gz, or a zipped
// macOS app bundle unpacked with ditto). Extractions are funnelled through a
// Queue so that at most one runs at a time across the whole process; large
// archives unpacking in parallel starve the downloads still in flight.
//
// Direct binaries bypass both: InstallBinary renames the temp file into
// place and marks it executable.
package extract
