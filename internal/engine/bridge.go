package engine

// BridgeScriptName is the file name the bridge is written under.
const BridgeScriptName = "babeldoc_bridge.py"

// BridgeScript drives BabelDOC and reports on stdout, one JSON object per line.
//
//	translate: reads Options as JSON on stdin, emits progress_update / error / finish
//	warmup:    downloads or warms the font cache, emits a single warmup event
const BridgeScript = `#!/usr/bin/env python3
# -*- coding: utf-8 -*-
import asyncio
import json
import logging
import sys

logging.basicConfig(stream=sys.stderr, level=logging.INFO,
                    format="%(asctime)s - %(levelname)s - %(message)s")
log = logging.getLogger("babeldoc_bridge")

_stdout = sys.stdout
# BabelDOC and its dependencies may print; keep stdout for events only.
sys.stdout = sys.stderr


def emit(obj):
    _stdout.write(json.dumps(obj, ensure_ascii=False) + "\n")
    _stdout.flush()


def watermark_mode(name):
    from babeldoc.format.pdf.translation_config import WatermarkOutputMode
    if name == "no_watermark":
        return WatermarkOutputMode.NoWatermark
    if name == "both":
        return WatermarkOutputMode.Both
    return WatermarkOutputMode.Watermarked


async def translate(opts):
    import babeldoc.format.pdf.high_level as high_level
    from babeldoc.docvision.doclayout import DocLayoutModel
    from babeldoc.format.pdf.translation_config import TranslationConfig
    from babeldoc.translator.translator import OpenAITranslator, set_translate_rate_limiter

    high_level.init()

    translator = OpenAITranslator(
        lang_in=opts["lang_in"],
        lang_out=opts["lang_out"],
        model=opts["model"],
        base_url=opts["base_url"],
        api_key=opts["api_key"],
        ignore_cache=opts.get("ignore_cache", False),
    )
    set_translate_rate_limiter(opts["qps"])

    config = TranslationConfig(
        input_file=opts["input_file"],
        output_dir=opts["output_dir"],
        translator=translator,
        lang_in=opts["lang_in"],
        lang_out=opts["lang_out"],
        no_dual=opts["no_dual"],
        no_mono=opts["no_mono"],
        qps=opts["qps"],
        doc_layout_model=DocLayoutModel.load_onnx(),
        report_interval=opts.get("report_interval", 0.1),
        min_text_length=opts.get("min_text_length", 5),
        watermark_output_mode=watermark_mode(opts["watermark_output_mode"]),
        auto_extract_glossary=opts.get("auto_extract_glossary", True),
        glossaries=[],
    )

    async for event in high_level.async_translate(config):
        kind = event.get("type")
        if kind == "progress_update":
            emit({
                "type": "progress_update",
                "overall_progress": event.get("overall_progress", 0.0),
                "stage": event.get("stage", ""),
                "stage_current": event.get("stage_current", 0),
                "stage_total": event.get("stage_total", 100),
            })
        elif kind == "error":
            emit({"type": "error", "error": str(event.get("error", ""))})
            return
        elif kind == "finish":
            result = event["translate_result"]
            emit({
                "type": "finish",
                "dual_pdf_path": str(result.dual_pdf_path) if result.dual_pdf_path else "",
                "mono_pdf_path": str(result.mono_pdf_path) if result.mono_pdf_path else "",
            })
            return


async def warmup():
    from babeldoc.assets import assets

    try:
        await assets.download_all_fonts()
        emit({"type": "warmup", "ok": True, "method": "download_all_fonts"})
        return
    except Exception as e:
        log.warning("download_all_fonts failed: %s", e)

    try:
        await assets.warmup_font_cache()
        emit({"type": "warmup", "ok": True, "method": "warmup_font_cache"})
    except Exception as e:
        emit({"type": "warmup", "ok": False, "error": str(e)})


def main():
    mode = sys.argv[1] if len(sys.argv) > 1 else "translate"
    try:
        if mode == "warmup":
            asyncio.run(warmup())
        else:
            asyncio.run(translate(json.load(sys.stdin)))
    except Exception as e:
        log.exception("bridge failed")
        emit({"type": "error", "error": str(e)})
        sys.exit(1)


if __name__ == "__main__":
    main()
`
