// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package report

import (
	"time"

	"github.com/xtaci/smux"
)

// buildSmuxConfig constructs a smux.Config from a Reporter's configure
// block and verifies the result before any session is opened on top of
// it, so a bad buffer/frame combination fails at streamFor time instead
// of surfacing later as an opaque smux write error.
func buildSmuxConfig(cfg configure) (*smux.Config, error) {
	smuxCfg := smux.DefaultConfig()
	smuxCfg.MaxReceiveBuffer = cfg.MaxReceiveBuffer
	smuxCfg.MaxStreamBuffer = cfg.MaxStreamBuffer
	smuxCfg.MaxFrameSize = cfg.MaxFrameSize
	smuxCfg.KeepAliveInterval = time.Duration(cfg.KeepAliveSeconds) * time.Second
	return smuxCfg, smux.VerifyConfig(smuxCfg)
}
