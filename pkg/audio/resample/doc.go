// ABOUTME: Sample rate and channel conversion for 16-bit PCM
// ABOUTME: Lets file sources of any native format feed a fixed stream format
// Package resample converts PCM between formats.
//
// Resampler changes the sample rate of interleaved samples by linear
// interpolation and carries state across calls, so a long input can be
// converted block by block. Converter wraps an io.Reader of 16-bit PCM and
// yields the same audio in another sample rate and channel count:
//
//	conv, err := resample.NewConverter(decoder, native, audio.DefaultFormat())
//	if err != nil {
//		return err
//	}
//	io.Copy(dst, conv)
package resample
