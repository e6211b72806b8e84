// Package sampleapi はゲートウェイの転送先として動作するサンプルのAPIサービスを提供する。
//
// 保護されたエンドポイント（/api/secured）と保護されていない天気予報のエンドポイント
// （/WeatherForecast）を持つ。認証はゲートウェイが行うため、このサービス自身はトークンを検証しない。
package sampleapi
