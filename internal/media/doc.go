// Package media implements the media relay: a flat directory of uploaded and
// provider-fetched files, addressed by generated stored names of the form
// <unix millis>-<random>-<original name>.
package media
