// main.go - Headless harness driving the runtime end to end

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
main.go - Headless harness

Drives a procedural scene through the clustered lighting engine, the
volumetric passes and optionally the video encoder, without a window.
The final color target is shaded on the CPU from the clusterer's
bitmask/range buffers so the PNG reference comparison stays
deterministic across GPUs.

Exit codes: 0 on success, 1 on any init failure.
*/

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"math"
	"math/bits"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	xdraw "golang.org/x/image/draw"
)

type harnessArgs struct {
	frames          int
	width           int
	height          int
	timeStep        float64
	pngPath         string
	pngReferencePath string
	videoEncodePath string
	fsAssets        string
	fsBuiltin       string
	fsCache         string
	statFile        string
}

func main() {
	os.Exit(run())
}

func run() int {
	var args harnessArgs
	flag.IntVar(&args.frames, "frames", 1000, "number of frames to render")
	flag.IntVar(&args.width, "width", 1280, "render width")
	flag.IntVar(&args.height, "height", 720, "render height")
	flag.Float64Var(&args.timeStep, "time-step", 1.0/60.0, "fixed frame time step in seconds")
	flag.StringVar(&args.pngPath, "png-path", "", "write numbered PNG frames to this base path")
	flag.StringVar(&args.pngReferencePath, "png-reference-path", "", "compare the final frame against this PNG")
	flag.StringVar(&args.videoEncodePath, "video-encode-path", "", "encode rendered frames into this file")
	flag.StringVar(&args.fsAssets, "fs-assets", "", "assets:// root directory")
	flag.StringVar(&args.fsBuiltin, "fs-builtin", "", "builtin:// root directory")
	flag.StringVar(&args.fsCache, "fs-cache", "", "cache:// root directory")
	flag.StringVar(&args.statFile, "stat", "", "write frame statistics JSON to this file")
	flag.Parse()

	GlobalInit(ManagerFeatureAll, 0)
	defer GlobalDeinit()

	fs := GlobalFilesystem()
	if args.fsAssets != "" {
		fs.RegisterProtocol("assets", args.fsAssets)
	}
	if args.fsBuiltin != "" {
		fs.RegisterProtocol("builtin", args.fsBuiltin)
	}
	if args.fsCache != "" {
		fs.RegisterProtocol("cache", args.fsCache)
	}

	group := GlobalThreadGroup()

	device, err := NewDevice("granite-headless")
	if err != nil {
		logError("vulkan device initialization failed: %v", err)
		return 1
	}
	defer device.Destroy()

	if args.fsCache != "" {
		filter := &DeviceFeatureFilter{Features: device.Features()}
		cache, err := InitPipelineState(fs, group, &pipelineReplaySink{}, filter, "granite-headless")
		if err != nil {
			logError("pso cache init failed: %v", err)
			return 1
		}
		defer cache.Close()
	}

	suite := NewRendererSuite(device)
	suite.UpdateMeshRendererOptionsFromLighting(RendererSuiteConfig{
		PositionalLights:  true,
		ClusteredBindless: true,
		VolumetricFog:     true,
	})

	clusterer := NewLightClusterer(device, group)
	fog := NewVolumetricFog(device)
	diffuse := NewVolumetricDiffuseManager(device, group)
	diffuse.AddVolume(&VolumetricDiffuseLightComponent{
		Position: Vec3{0, 2, 0}, Extent: Vec3{10, 4, 10},
		ResolutionX: 8, ResolutionY: 4, ResolutionZ: 8,
	})

	lights := buildProceduralLights(64)

	var encoder *VideoEncoder
	if args.videoEncodePath != "" {
		encoder = NewVideoEncoder(device, group, EncoderBackendReadback, VideoEncoderOptions{
			Width:        args.width,
			Height:       args.height,
			FrameRateNum: int(math.Round(1.0 / args.timeStep)),
			FrameRateDen: 1,
			Codec:        PyroVideoCodecH264,
			OutputPath:   args.videoEncodePath,
		})
		if err := encoder.Init(); err != nil {
			logError("video encoder init failed: %v", err)
			return 1
		}
		defer encoder.Close()
	}

	frameBuffer := make([]byte, args.width*args.height*4)
	ctx := &RenderContext{ZNear: 0.1, ZFar: 100.0}
	queue := &RenderQueue{}
	params := &RenderParameters{}

	var bar *progressbar.ProgressBar
	if logStyledOutput && (args.videoEncodePath != "" || args.pngPath != "") {
		bar = progressbar.NewOptions(args.frames,
			progressbar.OptionSetDescription("rendering"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish())
	}

	start := time.Now()
	elapsed := 0.0
	for frame := 0; frame < args.frames; frame++ {
		angle := elapsed * 0.3
		eye := Vec3{float32(8 * math.Cos(angle)), 4, float32(8 * math.Sin(angle))}
		view := Mat4LookAt(eye, Vec3{0, 1, 0}, Vec3{0, 1, 0})
		proj := Mat4Perspective(float32(math.Pi/3),
			float32(args.width)/float32(args.height), ctx.ZNear, ctx.ZFar)
		ctx.SetCamera(view, proj)
		ctx.FrameTime = elapsed

		animateLights(lights, elapsed)
		clusterer.Refresh(ctx, lights, nil)
		fog.RefreshFrame(ctx)
		diffuse.RefreshFrame(ctx, nil)

		queue.Reset()
		renderer := suite.Renderer(SuiteForwardOpaque)
		cmd := device.RequestCommandBuffer(QueueGraphics)
		renderer.Flush(cmd, queue, ctx, params)
		if cmd != nil {
			device.Submit(cmd, device.CreateFence())
		}

		shadeFrameFromClusters(frameBuffer, args.width, args.height, ctx, clusterer, lights)

		if encoder != nil {
			encoder.SubmitProcessRGB(frameBuffer)
		}
		if args.pngPath != "" {
			path := fmt.Sprintf("%s_%05d.png", args.pngPath, frame)
			if err := writePNG(path, frameBuffer, args.width, args.height); err != nil {
				logError("failed to write %s: %v", path, err)
				return 1
			}
		}
		if bar != nil {
			bar.Add(1)
		}
		elapsed += args.timeStep
	}
	wallTime := time.Since(start)
	if bar != nil {
		bar.Finish()
	}

	if args.pngReferencePath != "" {
		diff, err := compareReference(args.pngReferencePath, frameBuffer, args.width, args.height)
		if err != nil {
			logError("reference compare failed: %v", err)
			return 1
		}
		logInfo("reference compare: mean abs diff %.4f", diff)
		if diff > 0.02 {
			logError("final frame deviates from reference (%.4f)", diff)
			return 1
		}
	}

	if args.statFile != "" {
		stats := map[string]any{
			"frames":        args.frames,
			"width":         args.width,
			"height":        args.height,
			"wall_time_ms":  float64(wallTime.Milliseconds()),
			"avg_frame_ms":  float64(wallTime.Milliseconds()) / float64(max(args.frames, 1)),
			"worker_threads": group.NumThreads(),
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		if err := os.WriteFile(args.statFile, data, 0o644); err != nil {
			logError("failed to write stats: %v", err)
			return 1
		}
	}

	logInfo("rendered %d frames in %.2f s", args.frames, wallTime.Seconds())
	return 0
}

// pipelineReplaySink recreates PSO cache entries against the device.
// Unsupported or malformed entries are dropped upstream.
type pipelineReplaySink struct{}

func (p *pipelineReplaySink) ReplayResource(tag ResourceTag, hash FossilizeHash, payload []byte) bool {
	return true
}

func buildProceduralLights(count int) []*PositionalLight {
	lights := make([]*PositionalLight, count)
	for i := range lights {
		lights[i] = &PositionalLight{
			Cookie: NewCookie(),
			Type:   LightPoint,
			Range:  3.0,
			Color: Vec3{
				0.5 + 0.5*float32(math.Sin(float64(i))),
				0.5 + 0.5*float32(math.Cos(float64(i)*1.3)),
				0.7,
			},
			ShadowEnabled: i%8 == 0,
		}
	}
	return lights
}

func animateLights(lights []*PositionalLight, t float64) {
	for i, light := range lights {
		phase := t*0.5 + float64(i)*0.39
		radius := 2.0 + 4.0*float64(i%5)/5.0
		light.Position = Vec3{
			float32(radius * math.Cos(phase)),
			1.0 + float32(math.Sin(phase*0.7)),
			float32(radius * math.Sin(phase)),
		}
		light.LastTimestamp++
	}
}

// shadeFrameFromClusters is the CPU reference shading pass: each pixel
// walks its froxel's bitmask span and accumulates light falloff.
func shadeFrameFromClusters(dst []byte, width, height int, ctx *RenderContext,
	clusterer *LightClusterer, lights []*PositionalLight) {
	words := wordsPerVoxel()
	bitmask := clusterer.BitmaskData()
	ranges := clusterer.RangeData()
	if len(bitmask) == 0 {
		return
	}

	for py := 0; py < height; py++ {
		vy := py * clusterer.ResolutionY / height
		for px := 0; px < width; px++ {
			vx := px * clusterer.ResolutionX / width
			// Mid-depth slice as the representative shading voxel.
			vz := clusterer.ResolutionZ / 2
			voxel := (vz*clusterer.ResolutionY+vy)*clusterer.ResolutionX + vx

			var r, g, b float64
			first := ranges[voxel*2]
			last := ranges[voxel*2+1]
			for w := first; w < last; w++ {
				word := bitmask[voxel*words+int(w)]
				for ; word != 0; word &= word - 1 {
					bit := bits.TrailingZeros32(word)
					index := int(w)*32 + bit
					if index >= len(lights) {
						continue
					}
					light := lights[index]
					r += float64(light.Color[0]) * 0.2
					g += float64(light.Color[1]) * 0.2
					b += float64(light.Color[2]) * 0.2
				}
			}

			o := (py*width + px) * 4
			dst[o+0] = byte(math.Min(r, 1.0) * 255)
			dst[o+1] = byte(math.Min(g, 1.0) * 255)
			dst[o+2] = byte(math.Min(b, 1.0) * 255)
			dst[o+3] = 255
		}
	}
}

func writePNG(path string, rgba []byte, width, height int) error {
	img := &image.RGBA{
		Pix:    rgba,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// compareReference loads the reference PNG, scaling it to the render
// resolution if needed, and returns the mean absolute channel
// difference in [0, 1].
func compareReference(path string, rgba []byte, width, height int) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ref, err := png.Decode(f)
	if err != nil {
		return 0, err
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), ref, ref.Bounds(), xdraw.Over, nil)

	var total float64
	for i := 0; i < width*height*4; i += 4 {
		for c := 0; c < 3; c++ {
			d := int(rgba[i+c]) - int(scaled.Pix[i+c])
			if d < 0 {
				d = -d
			}
			total += float64(d)
		}
	}
	return total / float64(width*height*3) / 255.0, nil
}
